// Package leveling derives a student's level from their XP.
//
// Every XPPerLevel points is one level and levels start at 1:
//
//	0..99   -> 1
//	100..199 -> 2
//
// All functions are pure and safe for concurrent use.
package leveling

import (
	"fmt"
)

// DefaultXPPerLevel is the XP needed to advance one level.
const DefaultXPPerLevel = 100

// Policy holds the leveling parameters.
type Policy struct {
	xpPerLevel int
}

// New creates a Policy. xpPerLevel must be positive.
func New(xpPerLevel int) (Policy, error) {
	if xpPerLevel <= 0 {
		return Policy{}, fmt.Errorf("leveling: xp per level must be positive, got %d", xpPerLevel)
	}
	return Policy{xpPerLevel: xpPerLevel}, nil
}

// Default returns the policy with DefaultXPPerLevel.
func Default() Policy {
	return Policy{xpPerLevel: DefaultXPPerLevel}
}

// XPPerLevel returns the configured step.
func (p Policy) XPPerLevel() int {
	if p.xpPerLevel <= 0 {
		return DefaultXPPerLevel
	}
	return p.xpPerLevel
}

// LevelForXP returns floor(xp / XPPerLevel) + 1. Negative xp counts as 0.
func (p Policy) LevelForXP(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return xp/p.XPPerLevel() + 1
}

// XPForNextLevel returns the XP total at which the next level begins.
// The result is always strictly greater than xp.
func (p Policy) XPForNextLevel(xp int) int {
	return p.LevelForXP(xp) * p.XPPerLevel()
}

// XPToNextLevel returns how much XP is still missing for the next level.
func (p Policy) XPToNextLevel(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return p.XPForNextLevel(xp) - xp
}

// Progress returns the fraction of the current level already earned, in [0, 1].
func (p Policy) Progress(xp int) float64 {
	if xp < 0 {
		return 0
	}
	step := p.XPPerLevel()
	f := float64(xp%step) / float64(step)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// ProgressPercent returns Progress as a whole percentage, rounded down.
func (p Policy) ProgressPercent(xp int) int {
	if xp < 0 {
		return 0
	}
	step := p.XPPerLevel()
	return (xp % step) * 100 / step
}
