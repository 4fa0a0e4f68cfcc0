package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

func TestVerifyOTP_DecodesTypedClaims(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/auth/verify-otp" || body["phone"] != "+15550001" || body["otp"] != "123456" {
			writeFail(w, http.StatusBadRequest, "Invalid OTP")
			return
		}
		writeEnv(w, http.StatusOK, map[string]any{
			"accessToken":  "a1",
			"refreshToken": "r1",
			"user":         map[string]string{"id": "u1", "phone": "+15550001", "userType": "PATIENT"},
		})
	})
	c, _, _ := newTestClient(t, h, Config{})

	res, err := c.VerifyOTP(context.Background(), "+15550001", "123456")
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	if res.AccessToken != "a1" || res.RefreshToken != "r1" || res.User.UserType != domain.UserPatient {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := c.VerifyOTP(context.Background(), "+15550001", "000000"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestActiveService_NullAndNotFoundMeanNone(t *testing.T) {
	var mode atomic.Value
	mode.Store("null")
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch mode.Load().(string) {
		case "null":
			writeEnv(w, http.StatusOK, nil)
		case "404":
			writeFail(w, http.StatusNotFound, "No active service")
		default:
			writeEnv(w, http.StatusOK, map[string]any{"id": "s1", "status": "ACCEPTED"})
		}
	})
	c, _, _ := newTestClient(t, h, Config{})
	ctx := context.Background()

	if svc, err := c.ActiveService(ctx); err != nil || svc != nil {
		t.Fatalf("null data: got %+v, %v", svc, err)
	}
	mode.Store("404")
	c.cache.purge()
	if svc, err := c.ActiveService(ctx); err != nil || svc != nil {
		t.Fatalf("404: got %+v, %v", svc, err)
	}
	mode.Store("found")
	c.cache.purge()
	svc, err := c.ActiveService(ctx)
	if err != nil || svc == nil || svc.ID != "s1" || svc.Status != domain.StatusAccepted {
		t.Fatalf("found: got %+v, %v", svc, err)
	}
}

func TestServiceHistory_Query(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/services/history" || q.Get("page") != "2" || q.Get("limit") != "5" {
			writeFail(w, http.StatusBadRequest, "bad query "+r.URL.String())
			return
		}
		writeEnv(w, http.StatusOK, map[string]any{
			"items":      []map[string]any{{"id": "s9", "status": "COMPLETED"}},
			"pagination": map[string]any{"page": 2, "pageSize": 5, "total": 6},
		})
	})
	c, _, _ := newTestClient(t, h, Config{})

	page, err := c.ServiceHistory(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("ServiceHistory: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "s9" || page.Pagination.Total != 6 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestRateService_ConflictStatus(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/s1/rate" {
			writeFail(w, http.StatusNotFound, "nope")
			return
		}
		writeFail(w, http.StatusConflict, "Service already rated")
	})
	c, _, _ := newTestClient(t, h, Config{})

	err := c.RateService(context.Background(), "s1", domain.RatingInput{Rating: 5})
	if StatusOf(err) != http.StatusConflict || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected 409 validation error, got %v", err)
	}
}

func TestUploadChatFile_Multipart(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeFail(w, http.StatusBadRequest, err.Error())
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeFail(w, http.StatusBadRequest, err.Error())
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if r.FormValue("serviceId") != "s1" || hdr.Filename != "scan.png" || string(data) != "PNGDATA" {
			writeFail(w, http.StatusBadRequest, "unexpected upload")
			return
		}
		writeEnv(w, http.StatusCreated, UploadedFile{
			FileURL: "/uploads/scan.png", FileName: hdr.Filename, FileSize: int64(len(data)),
			MimeType: hdr.Header.Get("Content-Type"),
		})
	})
	c, _, _ := newTestClient(t, h, Config{})

	up, err := c.UploadChatFile(context.Background(), "s1", "scan.png", "image/png", strings.NewReader("PNGDATA"))
	if err != nil {
		t.Fatalf("UploadChatFile: %v", err)
	}
	if up.FileURL != "/uploads/scan.png" || up.FileSize != 7 || up.MimeType != "image/png" {
		t.Fatalf("unexpected upload result: %+v", up)
	}
}

func TestNotificationsAndAnalytics(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/notifications":
			writeEnv(w, http.StatusOK, []map[string]any{{"id": "n1", "title": "Helper assigned", "isRead": false}})
		case r.Method == http.MethodPatch && r.URL.Path == "/notifications/n1/read":
			writeEnv(w, http.StatusOK, nil)
		case r.URL.Path == "/analytics/summary":
			writeEnv(w, http.StatusOK, map[string]any{"totalServices": 3, "completedServices": 2})
		default:
			writeFail(w, http.StatusNotFound, "unknown route")
		}
	})
	c, _, _ := newTestClient(t, h, Config{})
	ctx := context.Background()

	ns, err := c.Notifications(ctx)
	if err != nil || len(ns) != 1 || ns[0].ID != "n1" {
		t.Fatalf("Notifications: %+v %v", ns, err)
	}
	if err := c.MarkNotificationRead(ctx, "n1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	sum, err := c.AnalyticsSummary(ctx)
	if err != nil || sum.TotalServices != 3 || sum.CompletedServices != 2 {
		t.Fatalf("AnalyticsSummary: %+v %v", sum, err)
	}
}
