package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, e
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_CreateProcedure(t *testing.T) {
	h, e := newTestHandler()
	body := `{"patientName":"Maria Silva","date":"2024-01-15","procedureName":"Consulta","insurance":"Particular","paymentMethod":"Sicredi","procedureValue":"150,00"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), rec)

	if err := h.CreateProcedure(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var p MedicalProcedure
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Date != "15/01/2024" || p.ProcedureValue != 150 || p.PaymentMethod != PaymentSicredi {
		t.Errorf("unexpected record: %+v", p)
	}
}

func TestHandler_CreateProcedure_BadRequest(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"date":"2024-01-15"}`), rec)

	err := h.CreateProcedure(c)
	if err == nil {
		t.Fatal("expected error for missing patient")
	}
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetProcedure(t *testing.T) {
	h, e := newTestHandler()
	p, _ := h.svc.Register(context.Background(), validForm())

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID)

	if err := h.GetProcedure(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["formDate"] != "2024-01-15" {
		t.Errorf("expected formDate 2024-01-15, got %v", got["formDate"])
	}
	if got["id"] != p.ID {
		t.Errorf("expected id %s, got %v", p.ID, got["id"])
	}
}

func TestHandler_GetProcedure_NotFound(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := h.GetProcedure(c)
	if err == nil {
		t.Fatal("expected error for not found")
	}
	if code := httpCode(t, err); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_ListProcedures(t *testing.T) {
	h, e := newTestHandler()
	ctx := context.Background()
	for _, d := range []string{"2024-01-05", "2024-01-15", "2024-02-01"} {
		f := validForm()
		f.Date = d
		h.svc.Register(ctx, f)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/procedures?start_date=2024-01-01&end_date=2024-01-31&limit=1", nil)
	c := e.NewContext(req, rec)

	if err := h.ListProcedures(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data    []MedicalProcedure `json:"data"`
		Total   int                `json:"total"`
		HasMore bool               `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected total 2, got %d", resp.Total)
	}
	if len(resp.Data) != 1 || !resp.HasMore {
		t.Errorf("expected one item with more pages, got %d has_more=%v", len(resp.Data), resp.HasMore)
	}
}

func TestHandler_ListProcedures_InvalidDate(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?start_date=15-01-2024", nil), rec)

	err := h.ListProcedures(c)
	if err == nil {
		t.Fatal("expected error for invalid date")
	}
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_UpdateProcedure(t *testing.T) {
	h, e := newTestHandler()
	p, _ := h.svc.Register(context.Background(), validForm())

	body := `{"patientName":"Maria Silva","date":"2024-01-16","procedureName":"Retorno","procedureValue":90}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, "/", body), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID)

	if err := h.UpdateProcedure(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	got, _ := h.svc.Get(context.Background(), p.ID)
	if got.Date != "16/01/2024" || got.ProcedureName != "Retorno" {
		t.Errorf("unexpected record after edit: %+v", got)
	}
}

func TestHandler_UpdateReceivedStatus(t *testing.T) {
	h, e := newTestHandler()
	p, _ := h.svc.Register(context.Background(), validForm())

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPatch, "/", `{"receivedStatus":"recebido","notes":"ok"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID)

	if err := h.UpdateReceivedStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got MedicalProcedure
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ReceivedStatus != Received {
		t.Errorf("expected recebido, got %s", got.ReceivedStatus)
	}
	if got.Notes == nil || *got.Notes != "ok" {
		t.Errorf("expected notes ok, got %v", got.Notes)
	}
}

func TestHandler_UpdateReceivedStatus_NotFound(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPatch, "/", `{"receivedStatus":"recebido"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := h.UpdateReceivedStatus(c)
	if code := httpCode(t, err); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}
