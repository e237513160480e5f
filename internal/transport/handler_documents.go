package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/filestore"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// multipartOverhead is the allowance for form fields and part headers on top
// of the file size limit.
const multipartOverhead = 1 << 20

// allowedContentTypes lists the document formats accepted for upload.
var allowedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
	"application/pdf": true,
	"text/plain":      true,
}

// uploadHandler moves multipart uploads into blob storage before handing a
// model.DocumentUpload to the engine.
type uploadHandler struct {
	engine   *workflow.Engine
	blobs    filestore.BlobStore
	maxBytes int64
	logger   *zap.Logger
}

// receive reads the "file" part of a multipart request into blob storage.
// The caller owns the returned storage key and must release it if the
// engine rejects the upload.
func (h *uploadHandler) receive(w http.ResponseWriter, r *http.Request, claimID string) (model.DocumentUpload, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.DocumentUpload{}, "", model.NewPayloadTooLargeError(h.maxBytes)
		}
		return model.DocumentUpload{}, "", model.NewBadRequestError("expected a multipart/form-data body")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return model.DocumentUpload{}, "", model.NewInvalidInputError("a file is required",
			model.FieldError{Field: "file", Code: model.FieldRequired, Message: "File is required"})
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		return model.DocumentUpload{}, "", model.NewPayloadTooLargeError(h.maxBytes)
	}

	contentType, err := detectContentType(file, header.Header.Get("Content-Type"))
	if err != nil {
		return model.DocumentUpload{}, "", fmt.Errorf("read upload: %w", err)
	}
	if !allowedContentTypes[contentType] {
		return model.DocumentUpload{}, "", model.NewInvalidInputError(
			fmt.Sprintf("file type %s is not accepted", contentType),
			model.FieldError{Field: "file", Code: model.FieldOutOfRange, Message: "Allowed types: JPEG, PNG, PDF, plain text"},
		)
	}

	key := filestore.NewKey(claimID, header.Filename)
	if err := h.blobs.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		observability.RequestLogger(r.Context(), h.logger).Error("store document blob failed",
			zap.String("claim_id", claimID),
			zap.Error(err),
		)
		return model.DocumentUpload{}, "", model.NewStorageUnavailableError()
	}

	return model.DocumentUpload{
		DocumentType: model.DocumentType(r.FormValue("document_type")),
		FileName:     header.Filename,
		ContentType:  contentType,
		Size:         header.Size,
		StorageKey:   key,
	}, key, nil
}

// discard releases a blob the engine did not accept. A failure is left for
// the orphan sweep.
func (h *uploadHandler) discard(ctx context.Context, key string) {
	if err := h.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		observability.RequestLogger(ctx, h.logger).Warn("discard rejected upload failed",
			zap.String("storage_key", key),
			zap.Error(err),
		)
	}
}

// detectContentType trusts the declared part type unless it is missing or
// generic, in which case the first 512 bytes are sniffed. The file is
// rewound afterwards.
func detectContentType(f io.ReadSeeker, declared string) (string, error) {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt, nil
		}
	}
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(buf[:n]))
	return mt, nil
}

func (h *uploadHandler) handleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		claimID := chi.URLParam(r, "claimId")

		// Reject early so an unauthorized caller never writes a blob.
		if _, err := h.engine.GetClaim(r.Context(), rctx, claimID); err != nil {
			writeFailure(w, r, h.logger, "upload document failed", err)
			return
		}

		up, key, err := h.receive(w, r, claimID)
		if err != nil {
			writeFailure(w, r, h.logger, "upload document failed", err)
			return
		}
		docType, err := model.ParseDocumentType(string(up.DocumentType))
		if err != nil {
			h.discard(r.Context(), key)
			WriteError(w, model.NewInvalidInputError(err.Error(),
				model.FieldError{Field: "document_type", Code: model.FieldUnknown, Message: "Unknown document type"}))
			return
		}
		up.DocumentType = docType

		res, err := h.engine.UploadDocument(r.Context(), rctx, claimID, up)
		if err != nil {
			h.discard(r.Context(), key)
			writeFailure(w, r, h.logger, "upload document failed", err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func (h *uploadHandler) handleReplace() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		claimID := chi.URLParam(r, "claimId")
		docID := chi.URLParam(r, "documentId")

		if _, err := h.engine.GetClaim(r.Context(), rctx, claimID); err != nil {
			writeFailure(w, r, h.logger, "replace document failed", err)
			return
		}

		up, key, err := h.receive(w, r, claimID)
		if err != nil {
			writeFailure(w, r, h.logger, "replace document failed", err)
			return
		}

		res, err := h.engine.ReplaceDocument(r.Context(), rctx, claimID, docID, up)
		if err != nil {
			h.discard(r.Context(), key)
			writeFailure(w, r, h.logger, "replace document failed", err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleDocumentContent(engine *workflow.Engine, blobs filestore.BlobStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		docID := chi.URLParam(r, "documentId")

		claim, err := engine.GetClaim(r.Context(), rctx, chi.URLParam(r, "claimId"))
		if err != nil {
			writeFailure(w, r, logger, "download document failed", err)
			return
		}
		i, ok := claim.DocumentIndex(docID)
		if !ok {
			WriteNotFound(w, fmt.Sprintf("document %q not found", docID))
			return
		}
		doc := claim.Documents[i]

		rc, obj, err := blobs.Get(r.Context(), doc.StorageKey)
		if err != nil {
			if !model.IsCode(err, model.ErrNotFound) {
				err = model.NewStorageUnavailableError()
			}
			writeFailure(w, r, logger, "download document failed", err)
			return
		}
		defer rc.Close()

		contentType := doc.ContentType
		if contentType == "" {
			contentType = obj.ContentType
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.FileName}))
		if obj.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			observability.RequestLogger(r.Context(), logger).Warn("document download interrupted",
				zap.String("document_id", docID),
				zap.Error(err),
			)
		}
	}
}

func handleDocumentFlag(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		res, err := engine.FlagDocument(r.Context(), rctx,
			chi.URLParam(r, "claimId"), chi.URLParam(r, "documentId"), body.Comment)
		if err != nil {
			writeFailure(w, r, logger, "flag document failed", err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleDocumentUnflag(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		res, err := engine.UnflagDocument(r.Context(), rctx,
			chi.URLParam(r, "claimId"), chi.URLParam(r, "documentId"))
		if err != nil {
			writeFailure(w, r, logger, "unflag document failed", err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleDocumentsResubmitted(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			DocumentIDs []string `json:"document_ids"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		claim, err := engine.AcknowledgeResubmission(r.Context(), rctx, chi.URLParam(r, "claimId"), body.DocumentIDs)
		if err != nil {
			writeFailure(w, r, logger, "acknowledge resubmission failed", err)
			return
		}
		WriteJSON(w, http.StatusOK, newClaimDetail(engine, rctx, claim))
	}
}
