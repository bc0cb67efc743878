// Package backup adapts the teacher's binary snapshot mechanism
// (snapshot/snapshot.go) from an opaque key/value Item to a work-unit
// row, so the coordinator can export and reimport its whole table
// without depending on sqlite's own backup API. The format is the same
// length-prefixed, one-pass streaming design: no schema drift risk, no
// need to buffer the whole database in memory.
package backup

import (
	"encoding/binary"
	"io"

	"wudispatch/internal/dbrecord"
)

// Record is the persistence-boundary DTO written to a backup file: it
// intentionally doesn't reference dbrecord.WorkUnit's Files slice, since
// result files live on disk, not in the snapshot.
type Record struct {
	WUID           string
	Status         int
	WUText         string
	TimeCreated    string
	TimeAssigned   string
	AssignedClient string
	TimeResult     string
	ResultClient   string
	ErrorCode      int32 // -1 means "unset"
	FailedCommand  int32
	TimeVerified   string
	Priority       int64
}

func fromWorkUnit(wu dbrecord.WorkUnit) Record {
	errorCode := int32(-1)
	if wu.ErrorCode != nil {
		errorCode = int32(*wu.ErrorCode)
	}
	failedCommand := int32(-1)
	if wu.FailedCommand != nil {
		failedCommand = int32(*wu.FailedCommand)
	}
	return Record{
		WUID:           wu.WUID,
		Status:         int(wu.Status),
		WUText:         wu.WUText,
		TimeCreated:    wu.TimeCreated,
		TimeAssigned:   wu.TimeAssigned,
		AssignedClient: wu.AssignedClient,
		TimeResult:     wu.TimeResult,
		ResultClient:   wu.ResultClient,
		ErrorCode:      errorCode,
		FailedCommand:  failedCommand,
		TimeVerified:   wu.TimeVerified,
		Priority:       wu.Priority,
	}
}

// Streamer pushes Records to the writer one at a time, matching
// snapshot.Streamer's push-based shape so large tables never need to be
// buffered wholesale.
type Streamer func(yield func(Record) bool)

// FromWorkUnits adapts an already-materialized slice into a Streamer, for
// callers (like the gateway's Query result) that already hold everything
// in memory.
func FromWorkUnits(rows []dbrecord.WorkUnit) Streamer {
	return func(yield func(Record) bool) {
		for _, wu := range rows {
			if !yield(fromWorkUnit(wu)) {
				return
			}
		}
	}
}

func writeString(w io.Writer, s string, writeErr *error) {
	if *writeErr != nil {
		return
	}
	*writeErr = binary.Write(w, binary.LittleEndian, int32(len(s)))
	if *writeErr == nil {
		_, *writeErr = io.WriteString(w, s)
	}
}

func readString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n < 0 {
		return "", io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			// The length prefix was read, so the stream ended mid-record.
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}

// Write serializes a stream of Records to w in field order, length-prefixing
// every string field exactly as snapshot.Write does for Item.Key/Value.
func Write(w io.Writer, stream Streamer) error {
	var writeErr error

	writeInt32 := func(v int32) {
		if writeErr != nil {
			return
		}
		writeErr = binary.Write(w, binary.LittleEndian, v)
	}
	writeInt64 := func(v int64) {
		if writeErr != nil {
			return
		}
		writeErr = binary.Write(w, binary.LittleEndian, v)
	}

	stream(func(rec Record) bool {
		writeString(w, rec.WUID, &writeErr)
		writeInt32(int32(rec.Status))
		writeString(w, rec.WUText, &writeErr)
		writeString(w, rec.TimeCreated, &writeErr)
		writeString(w, rec.TimeAssigned, &writeErr)
		writeString(w, rec.AssignedClient, &writeErr)
		writeString(w, rec.TimeResult, &writeErr)
		writeString(w, rec.ResultClient, &writeErr)
		writeInt32(rec.ErrorCode)
		writeInt32(rec.FailedCommand)
		writeString(w, rec.TimeVerified, &writeErr)
		writeInt64(rec.Priority)
		return writeErr == nil
	})
	return writeErr
}

// Load reconstructs Records from a backup file written by Write. EOF at a
// record boundary ends the stream successfully; any other error, or EOF
// mid-record, aborts loading rather than applying a partial record.
func Load(r io.Reader, set func(Record)) error {
	for {
		wuid, err := readString(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var status int32
		if err := binary.Read(r, binary.LittleEndian, &status); err != nil {
			return err
		}
		wuText, err := readString(r)
		if err != nil {
			return err
		}
		timeCreated, err := readString(r)
		if err != nil {
			return err
		}
		timeAssigned, err := readString(r)
		if err != nil {
			return err
		}
		assignedClient, err := readString(r)
		if err != nil {
			return err
		}
		timeResult, err := readString(r)
		if err != nil {
			return err
		}
		resultClient, err := readString(r)
		if err != nil {
			return err
		}
		var errorCode, failedCommand int32
		if err := binary.Read(r, binary.LittleEndian, &errorCode); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &failedCommand); err != nil {
			return err
		}
		timeVerified, err := readString(r)
		if err != nil {
			return err
		}
		var priority int64
		if err := binary.Read(r, binary.LittleEndian, &priority); err != nil {
			return err
		}

		set(Record{
			WUID:           wuid,
			Status:         int(status),
			WUText:         wuText,
			TimeCreated:    timeCreated,
			TimeAssigned:   timeAssigned,
			AssignedClient: assignedClient,
			TimeResult:     timeResult,
			ResultClient:   resultClient,
			ErrorCode:      errorCode,
			FailedCommand:  failedCommand,
			TimeVerified:   timeVerified,
			Priority:       priority,
		})
	}
}
