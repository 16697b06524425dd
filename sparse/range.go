package sparse

import "errors"

// GetAvailableRange returns the first contiguous run of present data
// within [offset, offset+length); the run may be empty if nothing in that
// span has ever been written. It never opens a child that isn't tracked
// in the parent's children bitmap (§4.8).
func (c *Controller) GetAvailableRange(offset, length int64) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(); err != nil {
		return offset, 0, err
	}

	end := offset + length
	pos := offset
	for pos < end {
		childID := pos / ChildSize
		if !childrenBitGet(c.header.ChildrenBits, childID) {
			pos = childStart(childID+1)
			continue
		}

		ch, err := c.opener.OpenChild(c.parent.Key(), childID, false)
		if err != nil {
			if errors.Is(err, ErrChildNotFound) {
				pos = childStart(childID + 1)
				continue
			}
			return offset, 0, err
		}
		sd, ok, err := ch.LoadSparseData()
		closeErr := ch.Close()
		if err != nil {
			return offset, 0, err
		}
		if closeErr != nil {
			return offset, 0, closeErr
		}
		if !ok {
			pos = childStart(childID + 1)
			continue
		}

		inChild := pos - childStart(childID)
		childEnd := end - childStart(childID)
		if childEnd > ChildSize {
			childEnd = ChildSize
		}

		runStart, runLen := firstPresentRun(sd, inChild, childEnd)
		if runLen > 0 {
			return childStart(childID) + runStart, runLen, nil
		}
		pos = childStart(childID + 1)
	}
	return offset, 0, nil
}

// firstPresentRun scans a child's subblock bitmap over [from, to) and
// returns the first maximal contiguous run of present data, or (0, 0) if
// none exists in that range.
func firstPresentRun(sd SparseData, from, to int64) (int64, int64) {
	pos := from
	for pos < to {
		sub := int(pos / SubblockSize)
		if !subblockHasData(sd, sub) {
			pos = int64(sub+1) * SubblockSize
			continue
		}

		runStart := pos
		for pos < to && subblockHasData(sd, int(pos/SubblockSize)) {
			pos = int64(int(pos/SubblockSize)+1) * SubblockSize
		}
		if pos > to {
			pos = to
		}
		return runStart, pos - runStart
	}
	return 0, 0
}

func subblockHasData(sd SparseData, sub int) bool {
	if sub < 0 || sub >= SubblocksPerChild {
		return false
	}
	if bitGetWord(sd.Allocation[:], sub) {
		return true
	}
	return sub == int(sd.PartialBlockIndex) && sd.PartialBlockLength > 0
}
