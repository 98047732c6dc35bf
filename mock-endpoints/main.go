package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/provider"
	"github.com/google/uuid"
)

var (
	requestCount atomic.Int64
	badSignature atomic.Int64

	// payment id -> transfer id, so retried payouts get the same transfer
	transfers sync.Map
)

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	secret := os.Getenv("PROVIDER_SECRET")

	// Accepting provider: verifies the signature and returns a transfer id
	http.HandleFunc("/ok/payouts", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		req, status := readPayout(r, secret)
		logRequest(r, count, status, req)
		if status != http.StatusOK {
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}

		id, _ := transfers.LoadOrStore(req.IdempotencyKey, "tr_"+uuid.NewString())
		writeJSON(w, http.StatusOK, provider.PayoutResponse{TransferID: id.(string), Status: "paid"})
	})

	// Slow provider: delays 3 seconds before accepting
	http.HandleFunc("/slow/payouts", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		time.Sleep(3 * time.Second)
		req, status := readPayout(r, secret)
		logRequest(r, count, status, req)
		if status != http.StatusOK {
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}

		id, _ := transfers.LoadOrStore(req.IdempotencyKey, "tr_"+uuid.NewString())
		writeJSON(w, http.StatusOK, provider.PayoutResponse{TransferID: id.(string), Status: "paid"})
	})

	// Failing provider: always returns 500
	http.HandleFunc("/fail/payouts", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		req, _ := readPayout(r, secret)
		logRequest(r, count, http.StatusInternalServerError, req)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	})

	// Stats endpoint: request and transfer counts
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		n := 0
		transfers.Range(func(_, _ any) bool {
			n++
			return true
		})
		writeJSON(w, http.StatusOK, map[string]int64{
			"total_requests": requestCount.Load(),
			"bad_signatures": badSignature.Load(),
			"transfers":      int64(n),
		})
	})

	log.Printf("Mock payout provider starting on :%s", port)
	log.Printf("  POST /ok/payouts    -> 200 transfer id")
	log.Printf("  POST /slow/payouts  -> 200 transfer id (3s delay)")
	log.Printf("  POST /fail/payouts  -> 500 Error")
	log.Printf("  GET  /stats         -> request count")
	if secret == "" {
		log.Printf("PROVIDER_SECRET not set, signatures are not checked")
	}

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func readPayout(r *http.Request, secret string) (provider.PayoutRequest, int) {
	var req provider.PayoutRequest
	if r.Method != http.MethodPost {
		return req, http.StatusMethodNotAllowed
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return req, http.StatusBadRequest
	}
	if secret != "" && !provider.Verify(body, secret, r.Header.Get(provider.SignatureHeader)) {
		badSignature.Add(1)
		return req, http.StatusUnauthorized
	}
	if err := json.Unmarshal(body, &req); err != nil || req.IdempotencyKey == "" {
		return req, http.StatusBadRequest
	}
	return req, http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func logRequest(r *http.Request, count int64, status int, req provider.PayoutRequest) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s payment=%s amount=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(r.Header.Get(provider.SignatureHeader), 16),
		truncate(req.PaymentID, 8),
		req.Amount.StringFixed(2),
	)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
