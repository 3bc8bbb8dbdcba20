/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

// The twelve pitch classes, in ascending order from C. Round targets are
// drawn uniformly from this set; guesses must match one of these exactly.
var notes = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

func validNote(note string) bool {
	for _, n := range notes {
		if n == note {
			return true
		}
	}

	return false
}
