// Package group is the membership state machine.
//
// A group moves through numbered epochs. Each commit names a base epoch,
// applies removals then additions, rotates the committer's leaf key and
// delivers a fresh commit secret to every remaining member, sealed to their
// leaf keys. New members receive the resulting epoch through a Welcome.
// All members that apply the same commit reach byte-identical state.
//
// Commits are staged first and merged once published, so a commit the
// delivery service rejects never changes local state.
package group
