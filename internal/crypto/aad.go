package crypto

import "encoding/binary"

const recordAADTag = "cryptodo/record/v1"

// RecordAAD binds a ciphertext to its owner, its slot and the key
// generation it was sealed under. Fields are length-prefixed so no two
// distinct tuples encode to the same bytes.
func RecordAAD(subjectID, recordID string, generation int) []byte {
	buf := make([]byte, 0, len(recordAADTag)+len(subjectID)+len(recordID)+16)
	buf = appendField(buf, []byte(recordAADTag))
	buf = appendField(buf, []byte(subjectID))
	buf = appendField(buf, []byte(recordID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(generation))
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}
