package main

import (
	"bufio"
	"context"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/cloudforge-commerce/internal/event/redisstream"
)

// maxLine bounds a single archived record.
const maxLine = 4 << 20

// record is one archived dead letter. Envelope is kept as an opaque string
// because entries dead-lettered for decoding failures are not valid JSON.
type record struct {
	Topic      string
	EntryID    string
	Source     string
	Reason     string
	Deliveries int64
	Envelope   string
}

func recordOf(topic string, dl redisstream.DeadLetter) record {
	return record{
		Topic:      topic,
		EntryID:    dl.ID,
		Source:     dl.Source,
		Reason:     dl.Reason,
		Deliveries: dl.Deliveries,
		Envelope:   string(dl.Envelope),
	}
}

func (r record) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("topic")
	e.Str(r.Topic)
	e.FieldStart("entryId")
	e.Str(r.EntryID)
	e.FieldStart("source")
	e.Str(r.Source)
	e.FieldStart("reason")
	e.Str(r.Reason)
	e.FieldStart("deliveries")
	e.Int64(r.Deliveries)
	e.FieldStart("envelope")
	e.Str(r.Envelope)
	e.ObjEnd()
}

func decodeRecord(line []byte) (record, error) {
	var r record
	err := jx.DecodeBytes(line).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "topic":
			r.Topic, err = d.Str()
		case "entryId":
			r.EntryID, err = d.Str()
		case "source":
			r.Source, err = d.Str()
		case "reason":
			r.Reason, err = d.Str()
		case "deliveries":
			r.Deliveries, err = d.Int64()
		case "envelope":
			r.Envelope, err = d.Str()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return record{}, errors.Wrap(err, "decode record")
	}
	return r, nil
}

// archiveWriter writes gzip-compressed JSON lines.
type archiveWriter struct {
	f  *os.File
	gz *pgzip.Writer
	bw *bufio.Writer
	e  jx.Encoder
	n  int
}

func createArchive(path string) (*archiveWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	gz := pgzip.NewWriter(f)
	return &archiveWriter{f: f, gz: gz, bw: bufio.NewWriter(gz)}, nil
}

func (w *archiveWriter) Write(r record) error {
	w.e.Reset()
	r.encode(&w.e)
	if _, err := w.bw.Write(w.e.Bytes()); err != nil {
		return errors.Wrap(err, "write record")
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "write record")
	}
	w.n++
	return nil
}

// Close flushes all buffered data. The archive is complete only if Close
// returns nil.
func (w *archiveWriter) Close() error {
	flushErr := w.bw.Flush()
	gzErr := w.gz.Close()
	fileErr := w.f.Close()
	switch {
	case flushErr != nil:
		return errors.Wrap(flushErr, "flush archive")
	case gzErr != nil:
		return errors.Wrap(gzErr, "close gzip writer")
	case fileErr != nil:
		return errors.Wrap(fileErr, "close archive")
	}
	return nil
}

// readArchive opens a gzip-compressed archive and calls fn for each record.
func readArchive(ctx context.Context, path string, fn func(record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), maxLine)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		r, err := decodeRecord(scanner.Bytes())
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}
