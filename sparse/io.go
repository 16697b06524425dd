package sparse

// ioSubblocks moves buf to/from ch at in-child offset inChild, one
// subblock at a time, updating sd's allocation bitmap and partial-block
// tracking as it goes (§4.8).
func ioSubblocks(op Op, ch Child, sd *SparseData, inChild int64, buf []byte) (int, error) {
	done := 0
	for done < len(buf) {
		pos := inChild + int64(done)
		sub := int(pos / SubblockSize)
		subOff := pos % SubblockSize
		chunk := int64(len(buf) - done)
		if subOff+chunk > SubblockSize {
			chunk = SubblockSize - subOff
		}

		var n int
		var err error
		switch op {
		case OpRead:
			n, err = readSubblock(ch, sd, sub, subOff, buf[done:done+int(chunk)])
		case OpWrite:
			n, err = writeSubblock(ch, sd, sub, subOff, pos, buf[done:done+int(chunk)])
		}
		done += n
		if err != nil {
			return done, err
		}
		if int64(n) < chunk {
			break
		}
	}
	return done, nil
}

func readSubblock(ch Child, sd *SparseData, sub int, subOff int64, buf []byte) (int, error) {
	if bitGetWord(sd.Allocation[:], sub) {
		return ch.ReadAt(buf, int64(sub)*SubblockSize+subOff)
	}
	if sub == int(sd.PartialBlockIndex) && sd.PartialBlockLength > 0 {
		return readPartial(ch, sd, sub, subOff, buf)
	}
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

// readPartial serves a read against a subblock that isn't fully allocated
// but has PartialBlockLength real bytes from its start; bytes beyond that
// read as zero without touching the child's storage.
func readPartial(ch Child, sd *SparseData, sub int, subOff int64, buf []byte) (int, error) {
	validLen := int64(sd.PartialBlockLength)
	if subOff >= validLen {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
	realLen := validLen - subOff
	if realLen > int64(len(buf)) {
		realLen = int64(len(buf))
	}
	if _, err := ch.ReadAt(buf[:realLen], int64(sub)*SubblockSize+subOff); err != nil {
		return 0, err
	}
	for i := realLen; i < int64(len(buf)); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}

func writeSubblock(ch Child, sd *SparseData, sub int, subOff, pos int64, buf []byte) (int, error) {
	n, err := ch.WriteAt(buf, pos)
	if err != nil {
		return n, err
	}

	full := subOff == 0 && int64(len(buf)) == SubblockSize
	if full {
		bitSetWord(sd.Allocation[:], sub, true)
		if sub == int(sd.PartialBlockIndex) {
			sd.PartialBlockLength = 0
		}
		return n, nil
	}

	bitSetWord(sd.Allocation[:], sub, false)
	end := subOff + int64(len(buf))
	if sub != int(sd.PartialBlockIndex) || end > int64(sd.PartialBlockLength) {
		sd.PartialBlockIndex = int32(sub)
		sd.PartialBlockLength = int32(end)
	}
	return n, nil
}
