package codec

import "io"

// ReadBatch pulls up to size rows from dec. It returns io.EOF alongside the
// final partial batch; callers process the batch before checking the error.
func ReadBatch(dec Decoder, size int) ([]Row, error) {
	batch := make([]Row, 0, size)
	for len(batch) < size {
		row, err := dec.Next()
		if err == io.EOF {
			return batch, io.EOF
		}
		if err != nil {
			return batch, err
		}
		batch = append(batch, row)
	}
	return batch, nil
}
