// Package project holds the crystal, wavelength and sweep tree a run works
// through, the .xinfo reader and writer, and the JSON checkpoint that lets an
// interrupted run resume.
package project
