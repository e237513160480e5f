package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/model"
)

// UploadDocument attaches an uploaded file to a claim. A typed upload into an
// occupied slot replaces the slot's document in place, and is only allowed
// while the claim is pending.
func (e *Engine) UploadDocument(ctx context.Context, rctx *model.RequestContext, claimID string, up model.DocumentUpload) (model.DocumentResult, error) {
	return e.documentOp(ctx, model.ActionUploadDocument, claimID, "", func(ctx context.Context) (model.DocumentResult, error) {
		if err := requireActor(rctx); err != nil {
			return model.DocumentResult{}, err
		}
		claim, err := e.load(ctx, claimID)
		if err != nil {
			return model.DocumentResult{}, err
		}
		if err := authorizeRead(rctx, claim); err != nil {
			return model.DocumentResult{}, err
		}
		if err := documentsEditable(claim.Status); err != nil {
			return model.DocumentResult{}, err
		}
		if err := validateUpload(up); err != nil {
			return model.DocumentResult{}, err
		}

		docType := up.DocumentType
		if docType == "" {
			docType = model.DocOther
		}
		now := e.now()

		var res model.DocumentResult
		if i, occupied := claim.DocumentOfType(docType); occupied {
			if claim.Status != model.StatusPending {
				return model.DocumentResult{}, model.NewInvalidStateError(fmt.Sprintf(
					"a %s is already attached; replace the flagged document instead", docType.Label(),
				))
			}
			res, err = e.replaceSlot(ctx, rctx, claimID, claim.Documents[i].ID, up, now)
		} else {
			res, err = e.appendDocument(ctx, rctx, claimID, claim.Status, docType, up, now)
		}
		if err != nil {
			return model.DocumentResult{}, err
		}

		if res.Superseded != nil {
			e.releaseBlob(ctx, *res.Superseded)
		}

		evt := e.newEvent(rctx, res.Claim, model.ActionUploadDocument, res.Claim.Status, res.Claim.Status)
		evt.Documents = []model.DocumentRef{res.Document.Ref()}
		evt.Details = map[string]any{
			"document_type": string(docType),
			"file_name":     res.Document.FileName,
			"replaced":      res.Superseded != nil,
		}
		e.emitter.Emit(ctx, evt)
		return res, nil
	})
}

// appendDocument adds a new document. The slot is checked again under the
// store's guard so two racing uploads cannot both fill it.
func (e *Engine) appendDocument(
	ctx context.Context,
	rctx *model.RequestContext,
	claimID string,
	status model.ClaimStatus,
	docType model.DocumentType,
	up model.DocumentUpload,
	now time.Time,
) (model.DocumentResult, error) {
	doc := newDocument(up, docType, rctx.SubjectID, now)
	committed, err := e.store.CompareAndSet(ctx, claimID, status, func(c *model.Claim) error {
		if _, occupied := c.DocumentOfType(docType); occupied {
			return model.NewConflictError(fmt.Sprintf("a %s was attached concurrently", docType.Label()))
		}
		c.Documents = append(c.Documents, doc)
		return nil
	})
	if err != nil {
		return model.DocumentResult{}, e.storeErr(ctx, "append document", err)
	}
	return model.DocumentResult{Claim: committed, Document: doc}, nil
}

// replaceSlot is the implicit replace performed by a typed upload.
func (e *Engine) replaceSlot(
	ctx context.Context,
	rctx *model.RequestContext,
	claimID, oldID string,
	up model.DocumentUpload,
	now time.Time,
) (model.DocumentResult, error) {
	var (
		superseded model.Document
		doc        model.Document
	)
	committed, err := e.store.ReplaceDocumentAtomic(ctx, claimID, oldID, func(c model.Claim, old model.Document) (model.Document, error) {
		if c.Status != model.StatusPending {
			return model.Document{}, model.NewInvalidStateError(
				fmt.Sprintf("documents cannot be replaced by upload while the claim is %s", c.Status),
			)
		}
		superseded = old
		doc = newReplacement(old, up, rctx.SubjectID, now)
		return doc, nil
	})
	if err != nil {
		return model.DocumentResult{}, e.storeErr(ctx, "replace document slot", err)
	}
	return model.DocumentResult{Claim: committed, Document: doc, Superseded: &superseded}, nil
}

// FlagDocument marks a document as needing correction. Admin only.
func (e *Engine) FlagDocument(ctx context.Context, rctx *model.RequestContext, claimID, docID, comment string) (model.DocumentResult, error) {
	return e.documentOp(ctx, model.ActionFlagDocument, claimID, docID, func(ctx context.Context) (model.DocumentResult, error) {
		if err := requireAdmin(rctx); err != nil {
			return model.DocumentResult{}, err
		}
		now := e.now()
		committed, err := e.store.MutateDocument(ctx, claimID, docID, func(c model.Claim, d *model.Document) error {
			if err := documentsEditable(c.Status); err != nil {
				return err
			}
			return FlagDocument(d, comment, rctx.SubjectID, now)
		})
		if err != nil {
			return model.DocumentResult{}, e.storeErr(ctx, "flag document", err)
		}
		doc := documentByID(committed, docID)

		evt := e.newEvent(rctx, committed, model.ActionFlagDocument, committed.Status, committed.Status)
		evt.Documents = []model.DocumentRef{doc.Ref()}
		evt.Details = map[string]any{"file_name": doc.FileName, "comment": doc.AdminComment}
		e.emitter.Emit(ctx, evt)
		return model.DocumentResult{Claim: committed, Document: doc}, nil
	})
}

// UnflagDocument clears a document's flag. Admin only.
func (e *Engine) UnflagDocument(ctx context.Context, rctx *model.RequestContext, claimID, docID string) (model.DocumentResult, error) {
	return e.documentOp(ctx, model.ActionUnflagDocument, claimID, docID, func(ctx context.Context) (model.DocumentResult, error) {
		if err := requireAdmin(rctx); err != nil {
			return model.DocumentResult{}, err
		}
		committed, err := e.store.MutateDocument(ctx, claimID, docID, func(c model.Claim, d *model.Document) error {
			if err := documentsEditable(c.Status); err != nil {
				return err
			}
			return UnflagDocument(d)
		})
		if err != nil {
			return model.DocumentResult{}, e.storeErr(ctx, "unflag document", err)
		}
		doc := documentByID(committed, docID)

		evt := e.newEvent(rctx, committed, model.ActionUnflagDocument, committed.Status, committed.Status)
		evt.Documents = []model.DocumentRef{doc.Ref()}
		evt.Details = map[string]any{"file_name": doc.FileName}
		e.emitter.Emit(ctx, evt)
		return model.DocumentResult{Claim: committed, Document: doc}, nil
	})
}

// ReplaceDocument supersedes a document with a new upload. Clients may only
// replace flagged documents; admins may replace any.
func (e *Engine) ReplaceDocument(ctx context.Context, rctx *model.RequestContext, claimID, docID string, up model.DocumentUpload) (model.DocumentResult, error) {
	return e.documentOp(ctx, model.ActionReplaceDocument, claimID, docID, func(ctx context.Context) (model.DocumentResult, error) {
		if err := requireActor(rctx); err != nil {
			return model.DocumentResult{}, err
		}
		claim, err := e.load(ctx, claimID)
		if err != nil {
			return model.DocumentResult{}, err
		}
		if err := authorizeRead(rctx, claim); err != nil {
			return model.DocumentResult{}, err
		}
		if _, ok := claim.DocumentIndex(docID); !ok {
			return model.DocumentResult{}, documentNotFound(docID)
		}
		if err := validateUpload(up); err != nil {
			return model.DocumentResult{}, err
		}

		now := e.now()
		var (
			superseded model.Document
			doc        model.Document
		)
		committed, err := e.store.ReplaceDocumentAtomic(ctx, claimID, docID, func(c model.Claim, old model.Document) (model.Document, error) {
			if err := checkReplaceAllowed(c, old, rctx.IsAdmin()); err != nil {
				return model.Document{}, err
			}
			superseded = old
			doc = newReplacement(old, up, rctx.SubjectID, now)
			return doc, nil
		})
		if err != nil {
			return model.DocumentResult{}, e.storeErr(ctx, "replace document", err)
		}
		e.releaseBlob(ctx, superseded)

		evt := e.newEvent(rctx, committed, model.ActionReplaceDocument, committed.Status, committed.Status)
		evt.Documents = []model.DocumentRef{doc.Ref()}
		evt.Details = map[string]any{
			"file_name":            doc.FileName,
			"replaced_document_id": superseded.ID,
			"document_type":        string(doc.DocumentType),
		}
		e.emitter.Emit(ctx, evt)
		return model.DocumentResult{Claim: committed, Document: doc, Superseded: &superseded}, nil
	})
}

// AcknowledgeResubmission marks documents the admin asked for as
// resubmitted. With no ids every outstanding request is acknowledged. Each
// document must already have been replaced or unflagged.
func (e *Engine) AcknowledgeResubmission(ctx context.Context, rctx *model.RequestContext, claimID string, docIDs []string) (model.Claim, error) {
	res, err := e.documentOp(ctx, model.ActionAcknowledgeResubmission, claimID, "", func(ctx context.Context) (model.DocumentResult, error) {
		if err := requireActor(rctx); err != nil {
			return model.DocumentResult{}, err
		}
		claim, err := e.load(ctx, claimID)
		if err != nil {
			return model.DocumentResult{}, err
		}
		if err := authorize(rctx, claim, ActorOwner); err != nil {
			return model.DocumentResult{}, err
		}
		if claim.Status != model.StatusPending {
			return model.DocumentResult{}, model.NewInvalidStateError(
				fmt.Sprintf("resubmission can only be acknowledged while pending, claim is %s", claim.Status),
			)
		}

		now := e.now()
		var refs []model.DocumentRef
		committed, err := e.store.CompareAndSet(ctx, claimID, model.StatusPending, func(c *model.Claim) error {
			refs = refs[:0]
			ids := uniqueIDs(docIDs)
			if len(ids) == 0 {
				ids = append([]string(nil), c.DocumentsToResubmit...)
			}
			if len(ids) == 0 {
				return model.NewInvalidInputError("no documents are awaiting resubmission")
			}
			if err := checkDocumentRefs(*c, "documents", ids); err != nil {
				return err
			}
			for _, id := range ids {
				i, _ := c.DocumentIndex(id)
				d := &c.Documents[i]
				if d.Flagged {
					return model.NewInvalidStateError(
						fmt.Sprintf("document %q is still flagged and must be replaced first", id),
					)
				}
				at := now
				d.Resubmitted = true
				d.ResubmittedAt = &at
				d.ResubmittedBy = rctx.SubjectID
				refs = append(refs, d.Ref())
			}
			c.DocumentsToResubmit = removeIDs(c.DocumentsToResubmit, ids)
			if len(c.DocumentsToResubmit) == 0 {
				at := now
				c.DocumentsToResubmit = nil
				c.ResubmittedAt = &at
				c.ResubmittedBy = rctx.SubjectID
			}
			return nil
		})
		if err != nil {
			return model.DocumentResult{}, e.storeErr(ctx, "acknowledge resubmission", err)
		}

		evt := e.newEvent(rctx, committed, model.ActionAcknowledgeResubmission, committed.Status, committed.Status)
		evt.Documents = refs
		evt.Details = map[string]any{"document_count": len(refs)}
		e.emitter.Emit(ctx, evt)
		return model.DocumentResult{Claim: committed}, nil
	})
	return res.Claim, err
}

// documentOp wraps a document operation in a span, a metric and a log line.
func (e *Engine) documentOp(
	ctx context.Context,
	action model.Action,
	claimID, docID string,
	fn func(ctx context.Context) (model.DocumentResult, error),
) (model.DocumentResult, error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+string(action),
		observability.AttrClaimID.String(claimID),
		observability.AttrAction.String(string(action)),
	)
	if docID != "" {
		span.SetAttributes(observability.AttrDocumentID.String(docID))
	}

	res, err := fn(ctx)

	e.metrics.RecordDocumentOperation(string(action), outcome(err))
	observability.EndSpanWithError(span, err)
	if err == nil {
		observability.RequestLogger(ctx, e.logger).Info("claim document updated",
			zap.String("claim_id", claimID),
			zap.String("action", string(action)),
			zap.String("document_id", res.Document.ID),
		)
	}
	return res, err
}

func requireAdmin(rctx *model.RequestContext) error {
	if err := requireActor(rctx); err != nil {
		return err
	}
	if !rctx.IsAdmin() {
		return model.NewForbiddenError("this operation requires the admin role")
	}
	return nil
}

func documentByID(c model.Claim, id string) model.Document {
	if i, ok := c.DocumentIndex(id); ok {
		return c.Documents[i]
	}
	return model.Document{}
}

func removeIDs(ids, drop []string) []string {
	if len(ids) == 0 {
		return nil
	}
	skip := make(map[string]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	var out []string
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
