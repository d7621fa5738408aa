// Package ingest feeds indicators into Cortex from a directory, an HTTP
// endpoint or the observables stream.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
	"github.com/Ashfaaq98/ta-cortex/internal/job"
	"github.com/Ashfaaq98/ta-cortex/internal/session"
)

// Request is one indicator to analyze.
type Request struct {
	Data      string `json:"data"`
	DataType  string `json:"dataType"`
	TLP       int    `json:"tlp"`
	PAP       int    `json:"pap"`
	Analyzers string `json:"analyzers"`
	SID       string `json:"sid"`
}

// Submitter builds and runs a single request.
type Submitter interface {
	Submit(ctx context.Context, req Request) ([]cortex.Job, error)
}

// SessionSubmitter submits requests through a Cortex session.
type SessionSubmitter struct {
	Session *session.Session
}

func (s SessionSubmitter) Submit(ctx context.Context, req Request) ([]cortex.Job, error) {
	return s.Session.Submit(ctx, req.Data, req.DataType, req.TLP, req.PAP, req.Analyzers, req.SID)
}

// rawRequest accepts levels as numbers or color names and analyzers as a
// ";" separated string or a list.
type rawRequest struct {
	Data      string          `json:"data"`
	DataType  string          `json:"dataType"`
	DataType2 string          `json:"data_type"`
	TLP       interface{}     `json:"tlp"`
	PAP       interface{}     `json:"pap"`
	Analyzers json.RawMessage `json:"analyzers"`
	SID       string          `json:"sid"`
}

// ParseRequest decodes one JSON request and applies defaults. Level
// fallbacks are reported on debug.
func ParseRequest(raw []byte, debug *log.Logger) (Request, error) {
	var r rawRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}

	analyzers := ""
	if trimmed := bytes.TrimSpace(r.Analyzers); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var list []string
		if err := json.Unmarshal(trimmed, &list); err == nil {
			analyzers = strings.Join(list, ";")
		} else if err := json.Unmarshal(trimmed, &analyzers); err != nil {
			return Request{}, fmt.Errorf("analyzers must be a string or a list of strings")
		}
	}

	dataType := r.DataType
	if dataType == "" {
		dataType = r.DataType2
	}
	return normalize(r.Data, dataType, numberValue(r.TLP), numberValue(r.PAP), analyzers, r.SID, debug)
}

// FromFields builds a request from string fields such as a CSV row or a
// stream entry.
func FromFields(f map[string]string, debug *log.Logger) (Request, error) {
	dataType := f["dataType"]
	if dataType == "" {
		dataType = f["data_type"]
	}
	var tlp, pap interface{}
	if v, ok := f["tlp"]; ok && v != "" {
		tlp = v
	}
	if v, ok := f["pap"]; ok && v != "" {
		pap = v
	}
	return normalize(f["data"], dataType, tlp, pap, f["analyzers"], f["sid"], debug)
}

func normalize(data, dataType string, tlp, pap interface{}, analyzers, sid string, debug *log.Logger) (Request, error) {
	if debug == nil {
		debug = log.New(io.Discard, "", 0)
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return Request{}, exitcode.New(exitcode.FieldMissing, exitcode.TagFieldMissing, "No \"data\" field in the request")
	}
	if strings.TrimSpace(dataType) == "" {
		return Request{}, exitcode.New(exitcode.FieldMissing, exitcode.TagFieldMissing, "No \"dataType\" field in the request")
	}

	req := Request{
		Data:      data,
		DataType:  strings.TrimSpace(dataType),
		TLP:       job.Amber,
		PAP:       job.Amber,
		Analyzers: strings.TrimSpace(analyzers),
		SID:       strings.TrimSpace(sid),
	}
	if tlp != nil {
		req.TLP = job.ConvertLevel(tlp, job.Amber, debug)
	}
	if pap != nil {
		req.PAP = job.ConvertLevel(pap, job.Amber, debug)
	}
	if req.Analyzers == "" {
		req.Analyzers = job.AllAnalyzers
	}
	return req, nil
}

// numberValue turns json.Number into int or float64 so ConvertLevel can
// judge it.
func numberValue(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// withSID fills an empty sid with a generated one.
func withSID(req Request, sid string) Request {
	if req.SID == "" {
		if sid == "" {
			sid = uuid.New().String()
		}
		req.SID = sid
	}
	return req
}

// permanent reports whether resubmitting the request can never succeed.
func permanent(err error) bool {
	var ce *exitcode.Error
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Tag {
	case exitcode.TagFieldMissing, exitcode.TagWrongDataType, exitcode.TagAnalyzerNotFound:
		return true
	}
	return false
}
