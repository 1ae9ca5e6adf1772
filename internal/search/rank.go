package search

import "encoding/binary"

// columnWeights follows the tracks_fts column order: title, artist, album,
// album_artist, composer, genre, year.
var columnWeights = []float64{4, 3, 2, 2, 1, 1, 1}

// score ranks one row from its matchinfo 'pcx' blob. Each phrase hit in a
// column adds the column weight scaled by how rare the hit is across rows.
func score(info []byte) float64 {
	values := decodeMatchinfo(info)
	if len(values) < 2 {
		return 0
	}
	phrases, columns := int(values[0]), int(values[1])
	if len(values) < 2+phrases*columns*3 {
		return 0
	}

	var total float64
	for p := 0; p < phrases; p++ {
		for c := 0; c < columns; c++ {
			base := 2 + (p*columns+c)*3
			hitsRow, hitsAll := values[base], values[base+1]
			if hitsRow == 0 || hitsAll == 0 {
				continue
			}
			weight := 1.0
			if c < len(columnWeights) {
				weight = columnWeights[c]
			}
			total += weight * float64(hitsRow) / float64(hitsAll)
		}
	}
	return total
}

// decodeMatchinfo splits the blob into its native-endian 32-bit values.
func decodeMatchinfo(info []byte) []uint32 {
	values := make([]uint32, len(info)/4)
	for i := range values {
		values[i] = binary.NativeEndian.Uint32(info[i*4:])
	}
	return values
}
