// Package student holds the student aggregate as the XP engine sees it:
// an XP balance, the level derived from it, and the active flag an admin
// can toggle.
//
// # XP adjustments
//
// Every change to a balance is an Adjustment with a Reason:
//
//	lesson_reward  granted once per completed lesson, amount >= 0
//	admin_grant    manual increase, amount > 0
//	admin_deduct   manual decrease, amount < 0
//	admin_reset    sets the balance back to 0
//
// Apply computes the resulting Balance and the ledger Entry that records it.
// The balance never drops below zero and the level always equals
// leveling.LevelForXP of the stored XP. Repositories run Apply under a row
// lock so concurrent adjustments of one student never lose an update.
package student
