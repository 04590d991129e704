package catalog

// PieceCount returns how many pieces are needed to cover size bytes.
func PieceCount(size int64, pieceLen int) (int, bool) {
	if size <= 0 || pieceLen <= 0 {
		return 0, false
	}

	return int((size + int64(pieceLen) - 1) / int64(pieceLen)), true
}

// LastPieceLength returns the exact length of the final piece in bytes.
//
// If the total size is a perfect multiple of pieceLen, this returns pieceLen.
func LastPieceLength(size int64, pieceLen int) (int, bool) {
	if size <= 0 || pieceLen <= 0 {
		return 0, false
	}

	rem := size % int64(pieceLen)
	if rem == 0 {
		return pieceLen, true
	}

	return int(rem), true
}

// PieceLengthAt returns the length of piece index. Every piece is pieceLen
// long except the last, which may be shorter.
func PieceLengthAt(index int, size int64, pieceLen int) (int, bool) {
	count, ok := PieceCount(size, pieceLen)
	if !ok || index < 0 || index >= count {
		return 0, false
	}

	if index == count-1 {
		return LastPieceLength(size, pieceLen)
	}

	return pieceLen, true
}

// PieceOffset returns the absolute byte offset of piece index in the stream.
func PieceOffset(index, pieceLen int) int64 {
	return int64(index) * int64(pieceLen)
}

// BlockCountForPiece returns the number of blocks in a piece.
func BlockCountForPiece(pieceLen, blockLen int) (int, bool) {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0, false
	}

	return (pieceLen + blockLen - 1) / blockLen, true
}

// LastBlockLength returns the exact byte length of the final block.
func LastBlockLength(pieceLen, blockLen int) (int, bool) {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0, false
	}

	rem := pieceLen % blockLen
	if rem == 0 {
		return blockLen, true
	}

	return rem, true
}

// BlockBounds returns the begin offset and length of block blockIdx within
// a piece of pieceLen bytes.
func BlockBounds(pieceLen, blockLen, blockIdx int) (begin, length int, ok bool) {
	bc, ok := BlockCountForPiece(pieceLen, blockLen)
	if !ok || blockIdx < 0 || blockIdx >= bc {
		return 0, 0, false
	}

	begin = blockIdx * blockLen
	length = blockLen
	if blockIdx == bc-1 {
		length, _ = LastBlockLength(pieceLen, blockLen)
	}

	return begin, length, true
}
