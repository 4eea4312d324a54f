package storage

import "fmt"

// Loc identifies a page by the numbered file it lives in and its byte
// offset within that file.
type Loc struct {
	FileNo uint32
	Offset uint64
}

// String returns the location in fileno:offset form.
func (l Loc) String() string {
	return fmt.Sprintf("%d:%d", l.FileNo, l.Offset)
}
