package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgfacade/gateway/internal/handler"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Report renders the request payload into a stored document and
// returns its URI. Payload: {title, body}; config "format" picks
// "json" (default) or "text".
type Report struct {
	handler.Base

	store  handler.ArtifactStore
	format string

	artifacts []string
}

func NewReport() *Report { return &Report{} }

func (h *Report) SetArtifactStore(store handler.ArtifactStore) { h.store = store }

func (h *Report) Construct(_ context.Context, cfg *handlertypes.Config) error {
	if h.store == nil {
		return apperrors.New(apperrors.ErrCodeValidation, "report handler needs an artifact store")
	}
	h.format = strings.ToLower(cfg.ConfigString("format", "json"))
	if h.format != "json" && h.format != "text" {
		return apperrors.Newf(apperrors.ErrCodeValidation, "unknown report format %q", h.format)
	}
	return nil
}

func (h *Report) Execute(ctx context.Context, req *message.Request) (*message.Response, error) {
	title, _ := req.Payload["title"].(string)
	if title == "" {
		title = "report " + req.RequestID
	}
	generatedAt := time.Now().UTC()

	var (
		name    string
		content []byte
		err     error
	)
	switch h.format {
	case "text":
		name = "report.txt"
		var b strings.Builder
		fmt.Fprintf(&b, "%s\ngenerated_at: %s\nrequest_id: %s\n\n", title, generatedAt.Format(time.RFC3339), req.RequestID)
		fmt.Fprintf(&b, "%v\n", req.Payload["body"])
		content = []byte(b.String())
	default:
		name = "report.json"
		content, err = json.MarshalIndent(map[string]interface{}{
			"title":        title,
			"generated_at": generatedAt.Format(time.RFC3339),
			"request_id":   req.RequestID,
			"body":         req.Payload["body"],
		}, "", "  ")
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encoding report")
		}
	}

	uri, err := h.store.Put(ctx, req.RequestID, name, content)
	if err != nil {
		return nil, err
	}
	h.artifacts = append(h.artifacts, uri)

	return message.NewSuccess(req.RequestID, map[string]interface{}{
		"artifact_uri":  uri,
		"artifact_name": name,
		"bytes":         len(content),
	}), nil
}

// Artifacts lists the URIs produced so far.
func (h *Report) Artifacts() []string {
	return append([]string(nil), h.artifacts...)
}

func (h *Report) Cleanup(_ context.Context) error { return nil }
