package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/flowchat/internal/diagram"
	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/pkg/schema"
)

// --- Definitions ---

// handleDefine validates and stores a definition document.
func (s *Server) handleDefine(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	def, result, err := s.deps.Engine.DefineWorkflow(r.Context(), raw)
	if err != nil {
		if result != nil && !result.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      err.Error(),
				"code":       schema.ErrorCode(err),
				"validation": result,
			})
			return
		}
		s.writeFlowError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"definition": def,
		"validation": result,
	})
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Engine.ListDefinitions(r.Context(), store.DefinitionFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	s.respond(w, r, defs)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	def, err := s.deps.Engine.GetDefinition(r.Context(), id)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	s.respond(w, r, def)
}

func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if err := s.deps.Engine.DeleteDefinition(r.Context(), id); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDiagram renders a definition. ?format= mermaid (default), ascii,
// png or svg.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	def, err := s.deps.Engine.GetDefinition(r.Context(), id)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	s.renderDiagram(w, r, def, nil)
}

// handleInstanceDiagram renders the definition of a run with its path
// overlaid.
func (s *Server) handleInstanceDiagram(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	inst, err := s.deps.Engine.GetInstance(r.Context(), id)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	def, err := s.deps.Engine.GetDefinition(r.Context(), inst.DefinitionID)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	logs, err := s.deps.Engine.ListExecutionLogs(r.Context(), id)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	s.renderDiagram(w, r, def, &diagram.Run{Instance: inst, Logs: logs})
}

func (s *Server) renderDiagram(w http.ResponseWriter, r *http.Request, def *schema.Definition, run *diagram.Run) {
	model, err := diagram.Build(def, run)
	if err != nil {
		s.writeFlowError(w, r, schema.NewError(schema.ErrCodeDefinition, err.Error()).WithCause(err))
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, diagram.RenderASCII(model))
	case diagram.FormatPNG, diagram.FormatSVG:
		img, err := diagram.RenderImage(r.Context(), model, format)
		if err != nil {
			s.writeFlowError(w, r, err)
			return
		}
		if format == diagram.FormatSVG {
			w.Header().Set("Content-Type", "image/svg+xml")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown diagram format %q", format))
	}
}

// --- Runs ---

// handleStartRun starts a run. The optional body is the input parameter
// object.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	var input map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	inst, err := s.deps.Engine.StartRun(r.Context(), id, input)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{
		DefinitionID: int64(queryInt(r, "definition_id", 0)),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}
	if st := q.Get("status"); st != "" {
		status := schema.RunStatus(strings.ToLower(st))
		filter.Status = &status
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		filter.Since = &t
	}

	insts, err := s.deps.Engine.ListInstances(r.Context(), filter)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	s.respond(w, r, insts)
}

// instanceView adds live registry state to a stored instance.
type instanceView struct {
	*schema.RunInstance
	AwaitingInput bool `json:"awaitingInput"`
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	inst, err := s.deps.Engine.GetInstance(r.Context(), id)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	s.respond(w, r, instanceView{RunInstance: inst, AwaitingInput: s.deps.Engine.Waiting(id)})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	logs, err := s.deps.Engine.ListExecutionLogs(r.Context(), id)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	s.respond(w, r, logs)
}

// handleSubmitInput delivers user text to a waiting run.
func (s *Server) handleSubmitInput(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if !s.deps.Engine.SubmitUserInput(r.Context(), id, body.Content) {
		writeJSON(w, http.StatusConflict, schema.InputAck{
			Type:     schema.FrameUserInput,
			Accepted: false,
			Error:    "instance is not waiting for input",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, schema.InputAck{Type: schema.FrameUserInput, Accepted: true})
}

// handleMetrics reports engine and sweeper counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"engine": s.deps.Engine.Metrics()}
	if s.deps.Sweeper != nil {
		out["sweeper"] = s.deps.Sweeper.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}
