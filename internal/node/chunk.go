package node

import (
	"errors"
	"io"
	"math"
)

func CalculateTotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// ReadChunk reads the chunk starting at offset. The last chunk of a file is
// shorter than chunkSize.
func ReadChunk(r io.ReaderAt, offset int64, chunkSize int, fileSize int64) ([]byte, error) {
	remaining := fileSize - offset
	if remaining <= 0 {
		return nil, io.EOF
	}

	size := int64(chunkSize)
	if remaining < size {
		size = remaining
	}

	data := make([]byte, size)
	n, err := r.ReadAt(data, offset)
	if errors.Is(err, io.EOF) && int64(n) == size {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SendProgress is the floored percentage of bytes handed to the channel.
func SendProgress(sent, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(sent * 100 / total)
}

// ReceiveProgress is the rounded percentage of bytes received, capped at 100.
func ReceiveProgress(received, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(received) * 100 / float64(total)))
	if p > 100 {
		return 100
	}
	return p
}
