package crm

import "context"

// Request is everything a writer needs for one attempt.
type Request struct {
	JobID      string
	Connection Connection
	Payload    Payload
	Rules      []Rule
}

// Result is the outcome of a successful (or partially successful) write.
type Result struct {
	// Artifact is a stable reference to evidence, such as a screenshot URL path.
	Artifact string
	// RecordID is the identifier the CRM assigned, when it returns one.
	RecordID string
	// Fields is the number of mapped fields written.
	Fields int
}

// Ref is what the job row keeps as its artifact: the evidence reference when
// there is one, otherwise the created record id.
func (r Result) Ref() string {
	if r.Artifact != "" {
		return r.Artifact
	}
	return r.RecordID
}

// Writer performs one write attempt against a CRM backend. A writer may return
// a non-empty Result together with an error; callers keep the artifact.
type Writer interface {
	Write(ctx context.Context, req Request) (Result, error)
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, req Request) (Result, error)

func (f WriterFunc) Write(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
