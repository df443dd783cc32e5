package accounts

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/laptopdesk/backplane/core/infra/objects"
	"github.com/laptopdesk/backplane/core/rpc"
)

func (s *Service) getResultFile(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	content, meta, err := s.objects.Get(ctx, objects.ResultFileName(u.ID))
	if errors.Is(err, objects.ErrNotFound) {
		return rpc.Fail(rpc.NotFound("no result file for user %d", u.ID))
	}
	if err != nil {
		return rpc.Fail(err)
	}
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]any{"result": doc, "version": meta.Version, "stored_at": meta.StoredAt})
}

func (s *Service) putResultFile(ctx context.Context, req rpc.Request) rpc.Result {
	u, err := s.user(ctx, req.Message)
	if err != nil {
		return rpc.Fail(err)
	}
	doc, ok := req.Message["result"].(map[string]any)
	if !ok {
		return rpc.Fail(rpc.Invalid(rpc.CodeInvalid, "result must be a JSON object"))
	}
	content, err := json.Marshal(doc)
	if err != nil {
		return rpc.Fail(err)
	}
	meta, err := s.objects.Put(ctx, objects.ResultFileName(u.ID), content, objects.Metadata{ContentType: "application/json"})
	if err != nil {
		return rpc.Fail(err)
	}
	if err := s.record(ctx, u.ID, ActionResultFilePut, meta.Version); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]any{"version": meta.Version, "size_bytes": meta.SizeBytes, "stored_at": meta.StoredAt})
}
