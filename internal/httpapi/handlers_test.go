package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/chathive/session-orchestrator/internal/placement"
	"github.com/chathive/session-orchestrator/internal/session"
	"github.com/chathive/session-orchestrator/internal/store"
)

type fakeRegistrar struct {
	err  error
	last placement.RegisterRequest
}

func (f *fakeRegistrar) Register(_ context.Context, req placement.RegisterRequest) (*placement.Placement, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &placement.Placement{BotID: uuid.New(), TenantID: req.TenantID, PhoneKey: req.PhoneKey}, nil
}

type fakeManager struct {
	err     error
	running map[uuid.UUID]session.Status
}

func (f *fakeManager) Start(_ context.Context, _ uuid.UUID) error   { return f.err }
func (f *fakeManager) Stop(_ context.Context, _ uuid.UUID) error    { return f.err }
func (f *fakeManager) Restart(_ context.Context, _ uuid.UUID) error { return f.err }

func (f *fakeManager) Status(id uuid.UUID) (session.Status, bool) {
	st, ok := f.running[id]
	return st, ok
}

func (f *fakeManager) StatusAll() []session.Status {
	out := make([]session.Status, 0, len(f.running))
	for _, st := range f.running {
		out = append(out, st)
	}
	return out
}

func testRouter(reg *fakeRegistrar, mgr *fakeManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(reg, mgr).Register(r)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterBot(t *testing.T) {
	reg := &fakeRegistrar{}
	r := testRouter(reg, &fakeManager{})

	w := do(r, http.MethodPost, "/api/bots", `{"tenant_id":"A","phone_key":"+15551230000","name":"support"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "A", reg.last.TenantID)
	assert.Equal(t, "+15551230000", reg.last.PhoneKey)

	w = do(r, http.MethodPost, "/api/bots", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("session: %w", session.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("claim phone: %w", store.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: 5/5 sessions in use on A", placement.ErrCapacity), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: phone +1 is orphaned", placement.ErrRollbackFailed), http.StatusInternalServerError},
		{fmt.Errorf("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := testRouter(&fakeRegistrar{err: tc.err}, &fakeManager{})
		w := do(r, http.MethodPost, "/api/bots", `{"tenant_id":"A","phone_key":"+1"}`)
		assert.Equal(t, tc.want, w.Code, tc.err.Error())
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	id := uuid.New()
	mgr := &fakeManager{}
	r := testRouter(&fakeRegistrar{}, mgr)

	for _, verb := range []string{"start", "stop", "restart"} {
		w := do(r, http.MethodPost, "/api/bots/"+id.String()+"/"+verb, "")
		assert.Equal(t, http.StatusOK, w.Code, verb)
	}

	w := do(r, http.MethodPost, "/api/bots/not-a-uuid/start", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	mgr.err = session.ErrNotFound
	w = do(r, http.MethodPost, "/api/bots/"+id.String()+"/stop", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusEndpoints(t *testing.T) {
	id := uuid.New()
	mgr := &fakeManager{running: map[uuid.UUID]session.Status{
		id: {BotID: id, State: "online"},
	}}
	r := testRouter(&fakeRegistrar{}, mgr)

	w := do(r, http.MethodGet, "/api/bots/"+id.String()+"/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"online"`)

	w = do(r, http.MethodGet, "/api/bots/"+uuid.NewString()+"/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":false`)

	w = do(r, http.MethodGet, "/api/bots/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"online"`)
}
