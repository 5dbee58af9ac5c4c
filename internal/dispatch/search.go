package dispatch

import (
	"time"

	"github.com/hostbridge/hostbridged/internal/search"
)

// StartSearchArgs is the argument shape for the start_search tool.
type StartSearchArgs struct {
	RootPath      string
	Pattern       string
	SearchType    string // "files" | "content"
	FilePattern   string
	IgnoreCase    bool
	MaxResults    int
	IncludeHidden bool
	ContextLines  int
	TimeoutMS     int64
}

// SearchRecord is the reply shape for one match.
type SearchRecord struct {
	File  string
	Line  int
	Match string
}

// SearchReply is the shared reply shape for start_search and
// read_search_results.
type SearchReply struct {
	SessionID       string
	Results         []SearchRecord
	NewResultsCount int
	TotalResults    int
	IsComplete      bool
	IsError         bool
	Error           string
}

// StartSearch validates rootPath through C1, then launches the FileName or
// Content walk.
func (d *Dispatcher) StartSearch(args StartSearchArgs) (*SearchReply, *Error) {
	if args.Pattern == "" {
		return nil, validationError("pattern is required")
	}
	abs, verr := d.validatePathArg(args.RootPath)
	if verr != nil {
		return nil, verr
	}

	kind := search.FileName
	if args.SearchType == "content" {
		kind = search.Content
	}

	sess, recs, complete, err := d.Search.StartSearch(search.Spec{
		RootPath:      abs,
		Pattern:       args.Pattern,
		SearchType:    kind,
		FilePattern:   args.FilePattern,
		IgnoreCase:    args.IgnoreCase,
		MaxResults:    args.MaxResults,
		IncludeHidden: args.IncludeHidden,
		ContextLines:  args.ContextLines,
		Timeout:       millis(args.TimeoutMS),
	})
	reply := &SearchReply{
		SessionID:    sess.ID,
		Results:      toSearchRecords(recs),
		TotalResults: len(recs),
		IsComplete:   complete,
	}
	if err != nil {
		reply.IsError = true
		reply.Error = err.Error()
	}
	return reply, nil
}

// ReadSearchResults returns only records appended since the previous read.
func (d *Dispatcher) ReadSearchResults(sessionID string) (*SearchReply, *Error) {
	recs, newCount, total, complete, isErr, errText, err := d.Search.ReadSearchResults(sessionID)
	if err != nil {
		return nil, &Error{Code: "SessionNotFound", Message: err.Error(), Recoverable: true}
	}
	return &SearchReply{
		SessionID:       sessionID,
		Results:         toSearchRecords(recs),
		NewResultsCount: newCount,
		TotalResults:    total,
		IsComplete:      complete,
		IsError:         isErr,
		Error:           errText,
	}, nil
}

// StopSearch kills the underlying walker/subprocess.
func (d *Dispatcher) StopSearch(sessionID string) *Error {
	if err := d.Search.TerminateSearch(sessionID); err != nil {
		return &Error{Code: "SessionNotFound", Message: err.Error(), Recoverable: true}
	}
	return nil
}

// SearchSummary is one entry in the list_searches reply.
type SearchSummary struct {
	ID        string
	Kind      string
	StartedAt time.Time
	Complete  bool
}

// ListSearches snapshots every live SearchSession.
func (d *Dispatcher) ListSearches() []SearchSummary {
	snaps := d.Search.ListSearchSessions()
	out := make([]SearchSummary, 0, len(snaps))
	for _, s := range snaps {
		kind := "files"
		if s.Kind == search.Content {
			kind = "content"
		}
		out = append(out, SearchSummary{ID: s.ID, Kind: kind, StartedAt: s.StartedAt, Complete: s.State == search.Finished})
	}
	return out
}

func toSearchRecords(recs []search.Record) []SearchRecord {
	out := make([]SearchRecord, len(recs))
	for i, r := range recs {
		out[i] = SearchRecord{File: r.File, Line: r.Line, Match: r.Match}
	}
	return out
}
