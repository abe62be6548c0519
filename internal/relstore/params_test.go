package relstore

import (
	"reflect"
	"testing"
)

func TestRewriteNamedParams(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		params    map[string]any
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "colon style",
			query:     "SELECT * FROM t WHERE id = :id AND kind = :kind",
			params:    map[string]any{"id": "n1", "kind": "Module"},
			wantQuery: "SELECT * FROM t WHERE id = $1 AND kind = $2",
			wantArgs:  []any{"n1", "Module"},
		},
		{
			name:      "repeated name reuses placeholder",
			query:     "WHERE a = :x OR b = :x",
			params:    map[string]any{"x": 1},
			wantQuery: "WHERE a = $1 OR b = $1",
			wantArgs:  []any{1},
		},
		{
			name:      "percent style",
			query:     "WHERE id = %(id)s",
			params:    map[string]any{"id": "n1"},
			wantQuery: "WHERE id = $1",
			wantArgs:  []any{"n1"},
		},
		{
			name:      "no named params",
			query:     "SELECT 1",
			params:    nil,
			wantQuery: "SELECT 1",
			wantArgs:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotQuery, gotArgs := RewriteNamedParams(tt.query, tt.params)
			if gotQuery != tt.wantQuery {
				t.Errorf("query = %q, want %q", gotQuery, tt.wantQuery)
			}
			if !reflect.DeepEqual(gotArgs, tt.wantArgs) {
				t.Errorf("args = %#v, want %#v", gotArgs, tt.wantArgs)
			}
		})
	}
}
