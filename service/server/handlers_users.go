package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/users"
	"github.com/google/uuid"
)

// GalleryStore persists gallery uploads.
type GalleryStore interface {
	CreateGalleryItem(ctx context.Context, params db.CreateGalleryItemParams) (*db.GalleryItem, error)
	ListGalleryItems(ctx context.Context) ([]*db.GalleryItem, error)
	ListGalleryItemsByUser(ctx context.Context, userID uuid.UUID) ([]*db.GalleryItem, error)
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleRegister creates an account.
// POST /api/register
func handleRegister(svc *users.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		user, err := svc.Register(r.Context(), req.Name, req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, users.ErrMissingFields),
				errors.Is(err, users.ErrInvalidEmail),
				errors.Is(err, users.ErrEmailTaken):
				writeError(w, err.Error(), http.StatusBadRequest)
			default:
				logger.ErrorContext(r.Context(), "failed to register user", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, map[string]interface{}{
			"message": "user registered",
			"user":    user,
		}, http.StatusCreated)
	})
}

// handleLogin checks credentials.
// POST /api/login
func handleLogin(svc *users.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		user, err := svc.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, users.ErrInvalidCredentials) {
				writeError(w, err.Error(), http.StatusUnauthorized)
				return
			}
			logger.ErrorContext(r.Context(), "failed to log in", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"message": "login successful",
			"user":    user,
		}, http.StatusOK)
	})
}

// handleListUsers lists all accounts.
// GET /api/users
func handleListUsers(svc *users.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.List(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list users", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, list, http.StatusOK)
	})
}

// handleGalleryUpload stores an artwork for a registered user. The image is
// either a multipart file "art" saved under uploadsDir or a remote "url".
// POST /api/gallery/upload
func handleGalleryUpload(svc *users.Service, store GalleryStore, uploadsDir string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}

		email := r.FormValue("email")
		title := strings.TrimSpace(r.FormValue("title"))
		if email == "" || title == "" {
			writeError(w, "email and title are required", http.StatusBadRequest)
			return
		}

		user, err := svc.Lookup(r.Context(), email)
		if err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				writeError(w, err.Error(), http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to look up user", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		id := uuid.New()
		imageURL := strings.TrimSpace(r.FormValue("url"))
		file, header, err := r.FormFile("art")
		switch {
		case err == nil:
			defer file.Close()
			name, err := saveUpload(uploadsDir, id, header.Filename, file)
			if err != nil {
				if errors.Is(err, errNotAnImage) {
					writeError(w, err.Error(), http.StatusBadRequest)
					return
				}
				logger.ErrorContext(r.Context(), "failed to save upload", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			imageURL = "/uploads/" + name
		case errors.Is(err, http.ErrMissingFile):
			if imageURL == "" {
				writeError(w, "either an art file or a url is required", http.StatusBadRequest)
				return
			}
		default:
			writeError(w, "invalid art file: "+err.Error(), http.StatusBadRequest)
			return
		}

		item, err := store.CreateGalleryItem(r.Context(), db.CreateGalleryItemParams{
			ID:          id,
			UserID:      user.ID,
			Title:       title,
			Description: strings.TrimSpace(r.FormValue("description")),
			ImageURL:    imageURL,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create gallery item", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "gallery item uploaded", "item_id", item.ID.String(), "email", user.Email)
		writeJSON(w, item, http.StatusCreated)
	})
}

var errNotAnImage = errors.New("uploaded file is not an image")

// saveUpload writes an image upload to dir and returns its file name.
func saveUpload(dir string, id uuid.UUID, filename string, src io.Reader) (string, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if !strings.HasPrefix(http.DetectContentType(head), "image/") {
		return "", errNotAnImage
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	name := id.String() + strings.ToLower(filepath.Ext(filepath.Base(filename)))
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	defer dst.Close()

	if _, err := dst.Write(head); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return name, nil
}

// handleListGallery lists every upload, newest first.
// GET /api/gallery/all
func handleListGallery(store GalleryStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items, err := store.ListGalleryItems(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list gallery", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, items, http.StatusOK)
	})
}

// handleListUserGallery lists one user's uploads.
// GET /api/gallery/{email}
func handleListUserGallery(svc *users.Service, store GalleryStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := svc.Lookup(r.Context(), r.PathValue("email"))
		if err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				writeError(w, err.Error(), http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to look up user", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		items, err := store.ListGalleryItemsByUser(r.Context(), user.ID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list gallery", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, items, http.StatusOK)
	})
}
