package replication

import (
	"fmt"
)

// lzfDecompress decompresses an LZF block as produced by Redis when it
// writes compressed strings into an RDB dump. The format alternates
// literal runs (control byte < 32) with back references into the output
// produced so far.
func lzfDecompress(compressed []byte, uncompressedLen int) ([]byte, error) {
	if len(compressed) == 0 {
		return []byte{}, nil
	}

	result := make([]byte, uncompressedLen)
	resultPos := 0
	compressedPos := 0

	for compressedPos < len(compressed) && resultPos < uncompressedLen {
		ctrl := compressed[compressedPos]
		compressedPos++

		if ctrl < 32 {
			// Literal run of ctrl+1 bytes
			literalLen := int(ctrl) + 1
			if compressedPos+literalLen > len(compressed) {
				return nil, fmt.Errorf("lzf: truncated literal run")
			}
			if resultPos+literalLen > uncompressedLen {
				return nil, fmt.Errorf("lzf: literal run overflows output")
			}

			copy(result[resultPos:], compressed[compressedPos:compressedPos+literalLen])
			resultPos += literalLen
			compressedPos += literalLen
			continue
		}

		// Back reference into already-decompressed output
		length := int(ctrl >> 5)
		if length == 7 {
			if compressedPos >= len(compressed) {
				return nil, fmt.Errorf("lzf: missing extended length byte")
			}
			length += int(compressed[compressedPos])
			compressedPos++
		}
		length += 2

		if compressedPos >= len(compressed) {
			return nil, fmt.Errorf("lzf: missing offset byte")
		}
		offset := int(ctrl&31)<<8 + int(compressed[compressedPos])
		compressedPos++
		offset++

		if offset > resultPos {
			return nil, fmt.Errorf("lzf: back reference before start of output")
		}
		if resultPos+length > uncompressedLen {
			return nil, fmt.Errorf("lzf: back reference overflows output")
		}

		// Byte-at-a-time copy: the reference may overlap its own output.
		backRefPos := resultPos - offset
		for i := 0; i < length; i++ {
			result[resultPos] = result[backRefPos]
			resultPos++
			backRefPos++
		}
	}

	if resultPos != uncompressedLen {
		return nil, fmt.Errorf("lzf: decompressed %d bytes, expected %d", resultPos, uncompressedLen)
	}

	return result, nil
}
