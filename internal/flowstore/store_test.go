package flowstore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/BTreeMap/CourseBot/internal/models"
)

const twoFlowsJSON = `[
  {
    "id": 1,
    "name": "Alumno APROBADO",
    "is_active": false,
    "entry_node_id": "APROBADO_1",
    "nodes": [
      {"id": "APROBADO_1", "data": {"label": "Felicitaciones {student_name}"}},
      {"id": "APROBADO_2", "data": {"label": "Gracias"}}
    ],
    "edges": [{"source": "APROBADO_1", "target": "APROBADO_2", "labelText": "ok"}]
  },
  {
    "id": 2,
    "name": "Alumno DESAPROBADO",
    "is_active": true,
    "entry_node_id": "DESAPROBADO_1",
    "nodes": [
      {"id": "DESAPROBADO_1", "data": {"label": "Hola {student_name}", "template_sid": "HX1"}},
      {"id": "DESAPROBADO_2", "data": {"label": "Contanos mas"}}
    ],
    "edges": [{"source": "DESAPROBADO_1", "target": "DESAPROBADO_2", "labelText": "1"}]
  }
]`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flows := s.ListFlows(); len(flows) != 0 {
		t.Errorf("expected empty collection, got %d flows", len(flows))
	}
	if _, ok := s.ActiveFlow(); ok {
		t.Error("expected no active flow")
	}
}

func TestOpen_EmptyFileIsEmpty(t *testing.T) {
	s, err := Open(writeFile(t, "flows.json", "  \n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.ListFlows()) != 0 {
		t.Error("expected empty collection")
	}
}

func TestOpen_JSON(t *testing.T) {
	s, err := Open(writeFile(t, "flows.json", twoFlowsJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flows := s.ListFlows()
	if len(flows) != 2 || flows[0].Name != "Alumno APROBADO" {
		t.Fatalf("unexpected flows: %+v", flows)
	}
	active, ok := s.ActiveFlow()
	if !ok || active.ID != 2 {
		t.Errorf("expected flow 2 active, got %+v", active)
	}
	if f, ok := s.FlowByName("Alumno APROBADO"); !ok || f.EntryNodeID != "APROBADO_1" {
		t.Errorf("FlowByName returned %+v, %v", f, ok)
	}
}

func TestOpen_YAML(t *testing.T) {
	doc := `
- id: 7
  name: Alumno AUSENTE
  is_active: true
  entry_node_id: AUSENTE_1
  nodes:
    - id: AUSENTE_1
      data:
        label: "Hola {student_name}, notamos que tienes pendiente el examen de {course_name}."
    - id: AUSENTE_2
      data:
        label: Un tutor te va a contactar.
  edges:
    - source: AUSENTE_1
      target: AUSENTE_2
      labelText: ayuda
`
	s, err := Open(writeFile(t, "flows.yaml", doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, ok := s.Flow(7)
	if !ok {
		t.Fatal("expected flow 7")
	}
	if len(f.Edges) != 1 || f.Edges[0].LabelText != "ayuda" {
		t.Errorf("unexpected edges: %+v", f.Edges)
	}
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "schema type mismatch",
			doc:  `[{"id": "one", "name": "x", "nodes": [], "edges": []}]`,
			want: models.ErrInvalidDefinition,
		},
		{
			name: "missing label",
			doc:  `[{"id": 1, "name": "x", "nodes": [{"id": "A", "data": {}}], "edges": []}]`,
			want: models.ErrInvalidDefinition,
		},
		{
			name: "empty node id",
			doc:  `[{"id": 1, "name": "x", "nodes": [{"id": "", "data": {"label": "l"}}], "edges": []}]`,
			want: models.ErrInvalidDefinition,
		},
		{
			name: "duplicate node across flows",
			doc: `[
				{"id": 1, "name": "a", "nodes": [{"id": "A1", "data": {"label": "l"}}], "edges": []},
				{"id": 2, "name": "b", "nodes": [{"id": "A1", "data": {"label": "l"}}], "edges": []}
			]`,
			want: models.ErrDuplicateNodeID,
		},
		{
			name: "duplicate flow id",
			doc: `[
				{"id": 1, "name": "a", "nodes": [{"id": "A1", "data": {"label": "l"}}], "edges": []},
				{"id": 1, "name": "b", "nodes": [{"id": "B1", "data": {"label": "l"}}], "edges": []}
			]`,
			want: models.ErrDuplicateFlowID,
		},
		{
			name: "edge to unknown node",
			doc:  `[{"id": 1, "name": "a", "nodes": [{"id": "A1", "data": {"label": "l"}}], "edges": [{"source": "A1", "target": "A9", "labelText": "si"}]}]`,
			want: models.ErrUnknownEdgeNode,
		},
		{
			name: "unknown entry node",
			doc:  `[{"id": 1, "name": "a", "entry_node_id": "Z", "nodes": [{"id": "A1", "data": {"label": "l"}}], "edges": []}]`,
			want: models.ErrUnknownEntryNode,
		},
		{
			name: "two active flows",
			doc: `[
				{"id": 1, "name": "a", "is_active": true, "nodes": [{"id": "A1", "data": {"label": "l"}}], "edges": []},
				{"id": 2, "name": "b", "is_active": true, "nodes": [{"id": "B1", "data": {"label": "l"}}], "edges": []}
			]`,
			want: models.ErrMultipleActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc), FormatJSON)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, "flows.json", twoFlowsJSON)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatalf("failed to corrupt file: %v", err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload of malformed file to fail")
	}
	if len(s.ListFlows()) != 2 {
		t.Error("expected previous collection to stay in service")
	}
}

func TestSetActive_ExclusiveAndPersisted(t *testing.T) {
	path := writeFile(t, "flows.json", twoFlowsJSON)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := s.SetActive(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.IsActive || f.ID != 1 {
		t.Errorf("unexpected activated flow: %+v", f)
	}
	for _, fl := range s.ListFlows() {
		if fl.IsActive != (fl.ID == 1) {
			t.Errorf("flow %d active=%v after activating 1", fl.ID, fl.IsActive)
		}
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	active, ok := reopened.ActiveFlow()
	if !ok || active.ID != 1 {
		t.Errorf("expected persisted activation of flow 1, got %+v", active)
	}
}

func TestSetActive_UnknownFlow(t *testing.T) {
	s, err := New([]models.Flow{{ID: 1, Name: "a", Nodes: []models.Node{{ID: "A1", Data: models.NodeData{Label: "l"}}}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.SetActive(99); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
}

func TestListFlows_SnapshotIsIndependent(t *testing.T) {
	s, err := Open(writeFile(t, "flows.json", twoFlowsJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := s.ListFlows()
	if _, err := s.SetActive(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap[1].IsActive || snap[0].IsActive {
		t.Error("snapshot taken before SetActive must not change")
	}
}

func TestReloadAndSetActive_StayInSync(t *testing.T) {
	path := writeFile(t, "flows.json", twoFlowsJSON)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			if _, err := s.SetActive(id); err != nil {
				t.Errorf("SetActive(%d) failed: %v", id, err)
			}
		}(i%2 + 1)
		go func() {
			defer wg.Done()
			if err := s.Reload(); err != nil {
				t.Errorf("Reload failed: %v", err)
			}
		}()
	}
	wg.Wait()

	inMemory, ok := s.ActiveFlow()
	if !ok {
		t.Fatal("expected an active flow")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read definitions: %v", err)
	}
	onDisk, err := Decode(data, FormatJSON)
	if err != nil {
		t.Fatalf("failed to decode definitions: %v", err)
	}
	for _, f := range onDisk {
		if f.IsActive != (f.ID == inMemory.ID) {
			t.Errorf("flow %d active=%v on disk, in-memory active flow is %d", f.ID, f.IsActive, inMemory.ID)
		}
	}
}
