/*
Package merger consolidates stake positions delegated to the same validator.

Positions are mergeable when they share the validator, the activation
stage (warming up or fully active) and the credits observed. The scan
takes sources from the end of the stake list and tries destinations from
the start:

	for source := last; source >= 1; source-- {
		for destination := 0; destination < source; destination++ {
			if mergeable(destination, source) && merge(destination ← source) {
				break
			}
		}
	}

The ledger removes a merged source by moving the last list entry into its
slot, so indexes below the current source stay valid for the whole scan
and one snapshot serves every submission.
*/
package merger
