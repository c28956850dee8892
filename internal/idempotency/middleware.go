package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const HeaderKey = "X-Idempotency-Key"

// Fingerprint identifies a request so a reused key with a different payload
// can be refused instead of replayed.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultLease bounds how long a reservation blocks its key when the writer
// never answers, e.g. the process died mid-write.
const DefaultLease = 2 * time.Minute

// Guard gives each key a single execution. The first request reserves the key
// before the handler runs; a duplicate that arrives meanwhile gets 409, and one
// that arrives afterwards gets the stored response. Responses of 500 and above
// release the key so the write can be retried under it.
type Guard struct {
	Store  Store
	Window time.Duration
	Lease  time.Duration
	Now    func() time.Time
	Logger *slog.Logger
	// OnReplay is called when a stored response is served.
	OnReplay func(r *http.Request)
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) lease() time.Duration {
	if g.Lease > 0 {
		return g.Lease
	}
	return DefaultLease
}

func (g *Guard) warn(ctx context.Context, msg, key string, err error) {
	if g.Logger != nil {
		g.Logger.WarnContext(ctx, msg, "key", key, "error", err)
	}
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			writeError(w, http.StatusBadRequest, "missing "+HeaderKey+" header")
			return
		}

		var body []byte
		if r.Body != nil {
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			_ = r.Body.Close()
			body = raw
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := Fingerprint(r.Method, r.URL.Path, body)

		ctx := r.Context()
		started := g.now()
		held, reserved, err := g.Store.Reserve(ctx, key, Record{
			RequestHash: hash,
			CreatedAt:   started,
			ExpiresAt:   started.Add(g.lease()),
		})
		if err != nil {
			g.warn(ctx, "idempotency reservation failed", key, err)
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !reserved {
			switch {
			case held.RequestHash != hash:
				writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
			case held.InFlight():
				writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			default:
				if g.OnReplay != nil {
					g.OnReplay(r)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(held.StatusCode)
				_, _ = w.Write(held.Response)
			}
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		finished := false
		defer func() {
			if finished {
				return
			}
			// The handler panicked; free the key before the panic unwinds further.
			if err := g.Store.Release(context.WithoutCancel(ctx), key); err != nil {
				g.warn(ctx, "idempotency release failed", key, err)
			}
		}()
		next.ServeHTTP(rec, r)
		finished = true

		// Detached from the request so a client disconnect cannot strand the reservation.
		storeCtx := context.WithoutCancel(ctx)
		if rec.status >= http.StatusInternalServerError {
			if err := g.Store.Release(storeCtx, key); err != nil {
				g.warn(ctx, "idempotency release failed", key, err)
			}
			return
		}
		now := g.now()
		record := Record{
			RequestHash: hash,
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.Window),
		}
		if err := g.Store.Complete(storeCtx, key, record); err != nil {
			g.warn(ctx, "idempotency save failed", key, err)
		}
	})
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
