package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ChuLiYu/statsrunner/internal/api"
	"github.com/ChuLiYu/statsrunner/internal/controller"
	"github.com/ChuLiYu/statsrunner/internal/resultstore"
	"github.com/ChuLiYu/statsrunner/internal/worker"
	"github.com/ChuLiYu/statsrunner/pkg/types"
)

type mockRunner struct {
	submitFn  func(ctx context.Context, payload types.Payload, selector types.Selector) (types.JobID, error)
	resultFn  func(ctx context.Context, id types.JobID) (types.Record, error)
	lastID    types.JobID
	pending   int
	jobs      []controller.JobSummary
	state     controller.State
	shutdowns int
	submitted []types.Payload
}

func (m *mockRunner) Submit(ctx context.Context, payload types.Payload, selector types.Selector) (types.JobID, error) {
	m.submitted = append(m.submitted, payload)
	if m.submitFn != nil {
		return m.submitFn(ctx, payload, selector)
	}
	m.lastID++
	return m.lastID, nil
}

func (m *mockRunner) Issued(id types.JobID) bool { return id >= 1 && id <= m.lastID }

func (m *mockRunner) Result(ctx context.Context, id types.JobID) (types.Record, error) {
	if m.resultFn != nil {
		return m.resultFn(ctx, id)
	}
	return types.Record{}, controller.ErrNotReady
}

func (m *mockRunner) PendingCount() int { return m.pending }

func (m *mockRunner) Jobs() []controller.JobSummary { return m.jobs }

func (m *mockRunner) State() controller.State { return m.state }

func (m *mockRunner) InitiateShutdown() bool {
	m.shutdowns++
	if m.state != controller.StateRunning {
		return false
	}
	m.state = controller.StateDraining
	return true
}

func do(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			Expect(json.NewEncoder(&buf).Encode(b)).To(Succeed())
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var resp map[string]interface{}
	ExpectWithOffset(1, json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
	return resp
}

var _ = Describe("Handler", func() {
	var (
		router *gin.Engine
		runner *mockRunner
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		runner = &mockRunner{}
		router = api.NewRouter(api.RouterConfig{}, api.NewHandler(runner))
	})

	Describe("submitting jobs", func() {
		It("returns the allocated job id", func() {
			w := do(router, http.MethodPost, "/api/states_mean", map[string]string{"question": "q"})

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["job_id"]).To(BeEquivalentTo(1))
			Expect(runner.submitted).To(HaveLen(1))
			Expect(runner.submitted[0]["question"]).To(Equal("q"))
		})

		It("registers a route per selector", func() {
			for i, path := range []string{
				"/api/states_mean", "/api/best5", "/api/worst5",
				"/api/global_mean", "/api/diff_from_mean", "/api/mean_by_category",
			} {
				w := do(router, http.MethodPost, path, map[string]string{"question": "q"})
				Expect(w.Code).To(Equal(http.StatusOK), path)
				Expect(decode(w)["job_id"]).To(BeEquivalentTo(i + 1))
			}
		})

		It("rejects a body that is not JSON", func() {
			w := do(router, http.MethodPost, "/api/states_mean", "not json")

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(runner.submitted).To(BeEmpty())
		})

		It("rejects a missing question", func() {
			w := do(router, http.MethodPost, "/api/global_mean", map[string]string{})

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(w)["reason"]).To(Equal("missing question"))
		})

		It("requires a state for per-state selectors", func() {
			w := do(router, http.MethodPost, "/api/state_mean", map[string]string{"question": "q"})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(w)["reason"]).To(Equal("missing state"))

			w = do(router, http.MethodPost, "/api/state_mean", map[string]string{"question": "q", "state": "Ohio"})
			Expect(w.Code).To(Equal(http.StatusOK))
		})

		It("returns 503 while shutting down", func() {
			runner.submitFn = func(context.Context, types.Payload, types.Selector) (types.JobID, error) {
				return 0, controller.ErrUnavailable
			}

			w := do(router, http.MethodPost, "/api/states_mean", map[string]string{"question": "q"})

			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			resp := decode(w)
			Expect(resp["status"]).To(Equal("error"))
			Expect(resp["reason"]).To(Equal("shutting down"))
		})

		It("returns 500 on unexpected submit errors", func() {
			runner.submitFn = func(context.Context, types.Payload, types.Selector) (types.JobID, error) {
				return 0, errors.New("boom")
			}

			w := do(router, http.MethodPost, "/api/states_mean", map[string]string{"question": "q"})

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("fetching results", func() {
		BeforeEach(func() {
			runner.lastID = 3
		})

		It("rejects a malformed id", func() {
			for _, id := range []string{"abc", "0", "-1"} {
				w := do(router, http.MethodGet, "/api/get_results/"+id, nil)
				Expect(w.Code).To(Equal(http.StatusBadRequest), id)
			}
		})

		It("returns 404 for an id that was never issued", func() {
			w := do(router, http.MethodGet, "/api/get_results/4", nil)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("reports running while the result is not ready", func() {
			w := do(router, http.MethodGet, "/api/get_results/2", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)).To(Equal(map[string]interface{}{"status": "running"}))
		})

		It("returns the stored value", func() {
			runner.resultFn = func(_ context.Context, id types.JobID) (types.Record, error) {
				return types.NewOKRecord(id, json.RawMessage(`{"Ohio":31.5}`)), nil
			}

			w := do(router, http.MethodGet, "/api/get_results/1", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"status":"done","data":{"Ohio":31.5}}`))
		})

		It("returns computation errors as data", func() {
			runner.resultFn = func(_ context.Context, id types.JobID) (types.Record, error) {
				return types.NewErrorRecord(id, errors.New("no data")), nil
			}

			w := do(router, http.MethodGet, "/api/get_results/1", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"status":"error","data":{"error":"no data"}}`))
		})

		DescribeTable("returns 500 when the result cannot be served",
			func(err error) {
				runner.resultFn = func(context.Context, types.JobID) (types.Record, error) {
					return types.Record{}, err
				}

				w := do(router, http.MethodGet, "/api/get_results/1", nil)

				Expect(w.Code).To(Equal(http.StatusInternalServerError))
				Expect(decode(w)["status"]).To(Equal("error"))
			},
			Entry("persist failed", fmt.Errorf("%w: job 1", controller.ErrPersistFailed)),
			Entry("swept", resultstore.ErrNotFound),
			Entry("corrupt", &resultstore.ChecksumError{JobID: 1}),
		)
	})

	It("lists jobs with queued ones shown as running", func() {
		runner.jobs = []controller.JobSummary{
			{ID: 1, Status: types.StatusDone},
			{ID: 2, Status: types.StatusRunning},
			{ID: 3, Status: types.StatusUnknown},
			{ID: 4, Status: types.StatusFailed},
		}

		w := do(router, http.MethodGet, "/api/jobs", nil)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(MatchJSON(`{"status":"done","data":[
			{"1":"done"},{"2":"running"},{"3":"running"},{"4":"failed"}]}`))
	})

	It("reports the pending count", func() {
		runner.pending = 7

		w := do(router, http.MethodGet, "/api/num_jobs", nil)

		Expect(w.Body.String()).To(MatchJSON(`{"num_jobs":7}`))
	})

	It("starts shutdown once", func() {
		w := do(router, http.MethodGet, "/api/graceful_shutdown", nil)
		Expect(decode(w)["status"]).To(Equal("draining"))

		w = do(router, http.MethodGet, "/api/graceful_shutdown", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(decode(w)["status"]).To(Equal("already shutting down"))
		Expect(runner.shutdowns).To(Equal(2))
	})

	It("reports health from controller state", func() {
		w := do(router, http.MethodGet, "/health", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		body := decode(w)
		Expect(body["status"]).To(Equal("ok"))
		Expect(body["state"]).To(Equal("RUNNING"))

		runner.state = controller.StateDraining
		w = do(router, http.MethodGet, "/health", nil)
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		body = decode(w)
		Expect(body["status"]).To(Equal("unavailable"))
		Expect(body["state"]).To(Equal("DRAINING"))

		runner.state = controller.StateStopped
		w = do(router, http.MethodGet, "/health", nil)
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(decode(w)["status"]).To(Equal("unavailable"))
	})

	It("mounts the metrics handler when given", func() {
		metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("statsrunner_jobs_pending 0\n"))
		})
		router = api.NewRouter(api.RouterConfig{Metrics: metrics}, api.NewHandler(runner))

		w := do(router, http.MethodGet, "/metrics", nil)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("statsrunner_jobs_pending"))
	})
})

var _ = Describe("Handler with a live controller", func() {
	var (
		router *gin.Engine
		ctrl   *controller.Controller
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		store, err := resultstore.NewFileStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		computer := worker.ComputerFunc(func(_ context.Context, p types.Payload, sel types.Selector) (any, error) {
			if p["question"] == "missing" {
				return nil, errors.New("no data for question")
			}
			return map[string]string{"selector": string(sel)}, nil
		})
		ctrl, err = controller.New(controller.Config{
			Pool:            worker.Config{WorkerCount: 2, MaxWorkers: 2},
			PurgeOnShutdown: true,
		}, store, computer)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ctrl.Shutdown(ctx)
		})

		router = api.NewRouter(api.RouterConfig{}, api.NewHandler(ctrl))
	})

	resultOf := func(id int) func() map[string]interface{} {
		return func() map[string]interface{} {
			w := do(router, http.MethodGet, fmt.Sprintf("/api/get_results/%d", id), nil)
			var resp map[string]interface{}
			json.Unmarshal(w.Body.Bytes(), &resp)
			return resp
		}
	}

	It("runs submitted jobs to completion", func() {
		w := do(router, http.MethodPost, "/api/global_mean", map[string]string{"question": "q"})
		Expect(decode(w)["job_id"]).To(BeEquivalentTo(1))
		w = do(router, http.MethodPost, "/api/global_mean", map[string]string{"question": "missing"})
		Expect(decode(w)["job_id"]).To(BeEquivalentTo(2))

		Eventually(resultOf(1)).Should(HaveKeyWithValue("status", "done"))
		Expect(resultOf(1)()["data"]).To(Equal(map[string]interface{}{"selector": "global_mean"}))

		Eventually(resultOf(2)).Should(HaveKeyWithValue("status", "error"))
		Expect(resultOf(2)()["data"]).To(Equal(map[string]interface{}{"error": "no data for question"}))

		w = do(router, http.MethodGet, "/api/jobs", nil)
		Expect(w.Body.String()).To(MatchJSON(`{"status":"done","data":[{"1":"done"},{"2":"done"}]}`))
	})

	It("refuses work after the shutdown route", func() {
		w := do(router, http.MethodGet, "/api/graceful_shutdown", nil)
		Expect(decode(w)["status"]).To(Equal("draining"))

		w = do(router, http.MethodPost, "/api/states_mean", map[string]string{"question": "q"})
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))

		Eventually(ctrl.Done()).Should(BeClosed())
		w = do(router, http.MethodGet, "/api/num_jobs", nil)
		Expect(w.Body.String()).To(MatchJSON(`{"num_jobs":0}`))
	})
})
