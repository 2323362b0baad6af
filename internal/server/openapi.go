package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/playperu/cityjourney/internal/completion"
	"github.com/playperu/cityjourney/internal/journey"
	"github.com/playperu/cityjourney/internal/quiz"
	"github.com/playperu/cityjourney/internal/store"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse documents the /healthz body: one status per dependency.
type HealthResponse map[string]struct {
	Status string `json:"status"`
}

type cityParams struct {
	CityID string `path:"cityID"`
}

type journeyParams struct {
	JourneyID string `path:"journeyID"`
}

type stepParams struct {
	JourneyID string `path:"journeyID"`
	StepIndex int    `path:"stepIndex"`
}

type apiOp struct {
	method, path, summary, description string
	params                             any
	req                                any
	resp                               any
	status                             int
	errors                             []int
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "CityJourney API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Play-session host for geolocated city journeys: step validation, quizzes and completion.")

	const session = "/api/journeys/{journeyID}/session"
	const quizPath = "/api/journeys/{journeyID}/steps/{stepIndex}/quiz"
	const done = "/api/journeys/{journeyID}/completion"

	ops := []apiOp{
		{method: http.MethodGet, path: "/healthz", summary: "Health check",
			description: "Returns the health status of backend dependencies.",
			resp:        HealthResponse{}, status: http.StatusOK, errors: []int{http.StatusServiceUnavailable}},

		{method: http.MethodPost, path: "/api/auth/login", summary: "Sign in",
			description: "Exchanges email and password for a bearer token.",
			req:         LoginRequest{}, resp: LoginResponse{}, status: http.StatusOK,
			errors: []int{http.StatusBadRequest, http.StatusUnauthorized}},
		{method: http.MethodPost, path: "/api/auth/logout", summary: "Sign out",
			description: "Revokes the bearer token and ends the user's play sessions.",
			status:      http.StatusNoContent, errors: []int{http.StatusUnauthorized}},
		{method: http.MethodGet, path: "/api/me", summary: "Current user",
			description: "Returns the signed-in user with their profile points.",
			resp:        MeResponse{}, status: http.StatusOK, errors: []int{http.StatusUnauthorized}},

		{method: http.MethodGet, path: "/api/cities", summary: "List cities",
			resp: []store.City{}, status: http.StatusOK, errors: []int{http.StatusUnauthorized}},
		{method: http.MethodGet, path: "/api/cities/{cityID}/journeys", summary: "List journeys", params: cityParams{},
			description: "Active journeys of a city with step counts and total points.",
			resp:        []store.JourneySummary{}, status: http.StatusOK,
			errors: []int{http.StatusUnauthorized, http.StatusNotFound}},

		{method: http.MethodPost, path: session, params: journeyParams{}, summary: "Start or resume session",
			description: "Loads the journey and the user's progress, creating progress on first play.",
			resp:        SessionResponse{}, status: http.StatusOK,
			errors: []int{http.StatusUnauthorized, http.StatusNotFound}},
		{method: http.MethodGet, path: session, params: journeyParams{}, summary: "Session state",
			resp: SessionResponse{}, status: http.StatusOK,
			errors: []int{http.StatusUnauthorized, http.StatusNotFound}},
		{method: http.MethodDelete, path: session, params: journeyParams{}, summary: "End session",
			description: "Cleans up the session. In-flight writes finish but their results are ignored.",
			status:      http.StatusNoContent, errors: []int{http.StatusUnauthorized}},
		{method: http.MethodPost, path: session + "/validate", params: journeyParams{}, summary: "Validate step",
			description: "Completes the current step when the reported location lies within the acceptance radius.",
			req:         ValidateRequest{}, resp: journey.Outcome{}, status: http.StatusOK,
			errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable}},
		{method: http.MethodPost, path: session + "/navigate", params: journeyParams{}, summary: "Request navigation",
			description: "Moves to the target when allowed, otherwise opens a confirmation request for skipping steps.",
			req:         NavigateRequest{}, resp: NavigateResponse{}, status: http.StatusOK,
			errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable}},
		{method: http.MethodPost, path: session + "/navigate/cancel", params: journeyParams{}, summary: "Cancel navigation",
			resp: SessionResponse{}, status: http.StatusOK, errors: []int{http.StatusNotFound}},
		{method: http.MethodPost, path: session + "/navigate/force", params: journeyParams{}, summary: "Force navigation",
			description: "Marks the skipped steps completed without points and moves to the target.",
			resp:        SessionResponse{}, status: http.StatusOK,
			errors: []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable}},

		{method: http.MethodPost, path: quizPath, params: stepParams{}, summary: "Open quiz",
			description: "Starts the step's quiz, or shows the stored result in review mode.",
			resp:        quiz.View{}, status: http.StatusOK,
			errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable}},
		{method: http.MethodGet, path: quizPath, params: stepParams{}, summary: "Quiz state",
			resp: quiz.View{}, status: http.StatusOK, errors: []int{http.StatusNotFound}},
		{method: http.MethodDelete, path: quizPath, params: stepParams{}, summary: "Close quiz",
			status: http.StatusNoContent, errors: []int{http.StatusNotFound}},
		{method: http.MethodPost, path: quizPath + "/select", params: stepParams{}, summary: "Select option",
			req: SelectRequest{}, resp: quiz.View{}, status: http.StatusOK,
			errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict}},
		{method: http.MethodPost, path: quizPath + "/submit", params: stepParams{}, summary: "Submit answer",
			resp: quiz.View{}, status: http.StatusOK, errors: []int{http.StatusNotFound, http.StatusConflict}},
		{method: http.MethodPost, path: quizPath + "/next", params: stepParams{}, summary: "Next question",
			description: "Leaves the result view; after the last question the quiz is scored and saved.",
			resp:        quiz.View{}, status: http.StatusOK, errors: []int{http.StatusNotFound, http.StatusConflict}},

		{method: http.MethodGet, path: done, params: journeyParams{}, summary: "Completion dialog",
			resp: completion.View{}, status: http.StatusOK, errors: []int{http.StatusNotFound, http.StatusConflict}},
		{method: http.MethodPost, path: done + "/continue", params: journeyParams{}, summary: "Continue to rating",
			resp: completion.View{}, status: http.StatusOK, errors: []int{http.StatusConflict}},
		{method: http.MethodPost, path: done + "/rating", params: journeyParams{}, summary: "Submit rating",
			description: "Stores a 1-5 star rating with an optional comment and sends the congratulation email.",
			req:         RatingRequest{}, resp: completion.View{}, status: http.StatusOK,
			errors: []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable}},
		{method: http.MethodPost, path: done + "/skip", params: journeyParams{}, summary: "Skip rating",
			resp: completion.View{}, status: http.StatusOK, errors: []int{http.StatusConflict}},
		{method: http.MethodPost, path: done + "/journal", params: journeyParams{}, summary: "Generate travel journal",
			description: "Renders the journey as an HTML travel journal and returns a download link.",
			resp:        completion.View{}, status: http.StatusOK,
			errors: []int{http.StatusConflict, http.StatusServiceUnavailable}},
		{method: http.MethodDelete, path: done, params: journeyParams{}, summary: "Close completion dialog",
			resp: completion.View{}, status: http.StatusOK, errors: []int{http.StatusConflict}},
	}

	for _, op := range ops {
		oc, err := r.NewOperationContext(op.method, op.path)
		if err != nil {
			continue
		}
		oc.SetSummary(op.summary)
		if op.description != "" {
			oc.SetDescription(op.description)
		}
		if op.params != nil {
			oc.AddReqStructure(op.params)
		}
		if op.req != nil {
			oc.AddReqStructure(op.req)
		}
		oc.AddRespStructure(op.resp, openapi.WithHTTPStatus(op.status))
		for _, status := range op.errors {
			oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(status))
		}
		_ = r.AddOperation(oc)
	}

	// GET session/events
	getEvents, _ := r.NewOperationContext(http.MethodGet, session+"/events")
	getEvents.SetSummary("SSE event stream")
	getEvents.AddReqStructure(journeyParams{})
	getEvents.SetDescription("Server-Sent Events stream of session updates. Pass token as query parameter.")
	getEvents.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK),
		openapi.WithContentType("text/event-stream"))
	_ = r.AddOperation(getEvents)

	// GET session/ws
	getStream, _ := r.NewOperationContext(http.MethodGet, session+"/ws")
	getStream.SetSummary("WebSocket event stream")
	getStream.AddReqStructure(journeyParams{})
	getStream.SetDescription("Upgrades to a WebSocket that pushes the same events as the SSE stream.")
	getStream.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols),
		openapi.WithContentType("text/plain"))
	_ = r.AddOperation(getStream)

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
