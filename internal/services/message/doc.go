// Package message encrypts and decrypts group application messages.
//
// Keys come from the sending member's hash chain in the current epoch's
// secret tree; chain state is persisted on every use so a key is never
// reused after a restart.
package message
