package models

import "time"

// Goal is a duration goal registered with the sensing client so it can cue
// boundaries even when nothing on our side is watching.
type Goal struct {
	Name      string        `json:"name"`
	Threshold time.Duration `json:"threshold"`
	Repeating bool          `json:"repeating"`
}
