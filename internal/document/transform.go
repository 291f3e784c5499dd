package document

// committedOp is an operation in the commit log, recorded as the effective
// splice it performed: pos is the position it was applied at after any
// transform and clamping, removed/inserted the character counts it actually
// spliced. op keeps the author metadata for tie-breaks; commitVersion is the
// document version the commit produced.
type committedOp struct {
	op            Operation
	pos           int
	removed       int
	inserted      int
	commitVersion uint64
}

// transformed is the outcome of rebasing one operation onto commits its
// author had not observed. A dropped operation still commits (for version
// and replay accounting) but splices nothing: its target was removed by a
// concurrent edit.
type transformed struct {
	pos     int
	extent  int
	dropped bool
	moved   bool
}

// transformAgainst rebases an operation's position and extent against every
// commit newer than its base version. The rules keep replicas convergent
// under any arrival order:
//   - an edit whose span lies inside a concurrently removed region is
//     dropped on one side and swallowed (extent grown over the inserted
//     text) on the other, so both orders agree;
//   - extents shrink by their overlap with concurrently removed regions;
//   - positions shift by the net length change of every splice before them.
func transformAgainst(op Operation, log []committedOp) transformed {
	tr := transformed{pos: op.Position, extent: op.extent()}

	for _, c := range log {
		if c.commitVersion <= op.Version {
			continue
		}
		if op.Type == OpInsert {
			transformInsert(&tr, c, op)
		} else {
			transformSpan(&tr, c)
		}
		if tr.dropped {
			return tr
		}
	}
	if tr.pos < 0 {
		tr.pos = 0
	}
	return tr
}

func transformInsert(tr *transformed, c committedOp, op Operation) {
	switch {
	case c.removed > 0 && tr.pos > c.pos && tr.pos < c.pos+c.removed:
		// the insertion point no longer exists
		tr.dropped = true
		tr.moved = true
	case c.removed > 0 && tr.pos >= c.pos+c.removed:
		tr.pos += c.inserted - c.removed
		tr.moved = tr.moved || c.inserted != c.removed
	case c.removed == 0 && (tr.pos > c.pos || (tr.pos == c.pos && c.op.less(op))):
		// concurrent insert at the same position: the op that wins the
		// (version, timestamp, authorId) tie-break keeps the spot
		tr.pos += c.inserted
		tr.moved = tr.moved || c.inserted != 0
	}
}

func transformSpan(tr *transformed, c committedOp) {
	end := tr.pos + tr.extent

	if c.removed == 0 {
		switch {
		case c.pos <= tr.pos:
			tr.pos += c.inserted
			tr.moved = tr.moved || c.inserted != 0
		case c.pos < end:
			// text inserted strictly inside the span is removed with it
			tr.extent += c.inserted
			tr.moved = tr.moved || c.inserted != 0
		}
		return
	}

	covered := c.pos <= tr.pos && end <= c.pos+c.removed
	if tr.extent == 0 {
		covered = c.pos < tr.pos && tr.pos < c.pos+c.removed
	}
	if covered {
		tr.dropped = true
		tr.moved = true
		return
	}

	if ov := min(end, c.pos+c.removed) - max(tr.pos, c.pos); ov > 0 {
		tr.extent -= ov
		tr.moved = true
	}
	if c.pos >= tr.pos && c.pos+c.removed <= end && c.inserted > 0 {
		// the commit's replacement text sits inside the surviving span
		tr.extent += c.inserted
		tr.moved = true
	}
	switch {
	case c.pos+c.removed <= tr.pos:
		tr.pos += c.inserted - c.removed
		tr.moved = tr.moved || c.inserted != c.removed
	case c.pos < tr.pos:
		tr.pos = c.pos + c.inserted
		tr.moved = true
	}
}
