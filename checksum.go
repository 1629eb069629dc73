package nvwal

import "hash/crc32"

// crcTable is shared by the control block and the MDS entry checksum,
// lifted directly from the teacher's frame.go, which uses the same
// Castagnoli table for its per-record checksums.
var crcTable = crc32.MakeTable(crc32.Castagnoli)
