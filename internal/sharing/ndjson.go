package sharing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ActionWriter streams actions as newline-delimited JSON.
type ActionWriter struct {
	encoder *json.Encoder
	lines   int
}

func NewActionWriter(w io.Writer) *ActionWriter {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return &ActionWriter{encoder: encoder}
}

func (w *ActionWriter) Write(action Action) error {
	if err := w.encoder.Encode(action); err != nil {
		return fmt.Errorf("write action line %d: %w", w.lines+1, err)
	}
	w.lines++
	return nil
}

func (w *ActionWriter) Lines() int {
	return w.lines
}

// ReadActions decodes every action line from r and calls fn in order.
func ReadActions(r io.Reader, fn func(Action) error) error {
	decoder := json.NewDecoder(r)
	line := 0
	for {
		var action Action
		err := decoder.Decode(&action)
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("decode action line %d: %w", line, err)
		}
		if err := fn(action); err != nil {
			return err
		}
	}
}

// QueryResponse is a decoded query or metadata stream.
type QueryResponse struct {
	Protocol Protocol
	Metadata Metadata
	Files    []File
}

// DecodeQueryResponse reads a protocol line, a metaData line and any number
// of file lines.
func DecodeQueryResponse(r io.Reader) (QueryResponse, error) {
	var out QueryResponse
	var sawProtocol, sawMetadata bool
	err := ReadActions(r, func(action Action) error {
		switch {
		case action.Protocol != nil:
			out.Protocol = *action.Protocol
			sawProtocol = true
		case action.MetaData != nil:
			out.Metadata = *action.MetaData
			sawMetadata = true
		case action.File != nil:
			out.Files = append(out.Files, *action.File)
		}
		return nil
	})
	if err != nil {
		return QueryResponse{}, err
	}
	if !sawProtocol {
		return QueryResponse{}, errors.New("response is missing the protocol action")
	}
	if !sawMetadata {
		return QueryResponse{}, errors.New("response is missing the metaData action")
	}
	if out.Protocol.MinReaderVersion > CurrentReaderVersion {
		return QueryResponse{}, fmt.Errorf("table requires reader version %d, this client supports %d", out.Protocol.MinReaderVersion, CurrentReaderVersion)
	}
	return out, nil
}
