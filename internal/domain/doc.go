// Package domain defines core data models, errors and interfaces shared
// across the client. It contains plain types (wire/state) and contracts
// (interfaces) only.
package domain
