package slots

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdialog/internal/domain"
)

func slotNames(ss []domain.Slot) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Name)
	}
	return out
}

func TestPlanOrdersDependenciesFirst(t *testing.T) {
	intent := domain.Intent{
		Name: "book_hotel",
		Slots: []domain.Slot{
			{Name: "checkout", Type: domain.SlotDate, Required: true, Order: 1, Dependencies: []domain.SlotDependency{{Slot: "checkin", Kind: domain.DependencyDiffersFrom}}},
			{Name: "city", Type: domain.SlotText, Required: true, Order: 3},
			{Name: "checkin", Type: domain.SlotDate, Required: true, Order: 2},
			{Name: "guests", Type: domain.SlotNumber, Required: false, Order: 4},
		},
	}
	got, err := Plan(intent)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"checkin", "checkout", "city", "guests"}, slotNames(got)); diff != "" {
		t.Fatalf("plan order mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanKeepsDeclarationOrderWithoutDependencies(t *testing.T) {
	intent := domain.Intent{
		Name: "book_flight",
		Slots: []domain.Slot{
			{Name: "departure_city", Type: domain.SlotText, Required: true},
			{Name: "arrival_city", Type: domain.SlotText, Required: true},
			{Name: "departure_date", Type: domain.SlotDate, Required: true},
		},
	}
	got, err := Plan(intent)
	require.NoError(t, err)
	assert.Equal(t, []string{"departure_city", "arrival_city", "departure_date"}, slotNames(got))
}

func TestPlanRejectsBrokenConfigurations(t *testing.T) {
	tests := []struct {
		name  string
		slots []domain.Slot
		want  error
	}{
		{
			name: "cycle",
			slots: []domain.Slot{
				{Name: "a", Type: domain.SlotText, Required: true, Dependencies: []domain.SlotDependency{{Slot: "b"}}},
				{Name: "b", Type: domain.SlotText, Required: true, Dependencies: []domain.SlotDependency{{Slot: "a"}}},
			},
			want: domain.ErrCyclicDependency,
		},
		{
			name: "self cycle",
			slots: []domain.Slot{
				{Name: "a", Type: domain.SlotText, Dependencies: []domain.SlotDependency{{Slot: "a"}}},
			},
			want: domain.ErrCyclicDependency,
		},
		{
			name: "unknown dependency",
			slots: []domain.Slot{
				{Name: "a", Type: domain.SlotText, Dependencies: []domain.SlotDependency{{Slot: "ghost"}}},
			},
			want: domain.ErrSlotNotFound,
		},
		{
			name: "required depends on optional",
			slots: []domain.Slot{
				{Name: "a", Type: domain.SlotText, Required: true, Dependencies: []domain.SlotDependency{{Slot: "b"}}},
				{Name: "b", Type: domain.SlotText},
			},
			want: domain.ErrConfiguration,
		},
		{
			name:  "unknown type",
			slots: []domain.Slot{{Name: "a", Type: "COLOR"}},
			want:  domain.ErrConfiguration,
		},
		{
			name:  "enum without values",
			slots: []domain.Slot{{Name: "a", Type: domain.SlotEnum}},
			want:  domain.ErrConfiguration,
		},
		{
			name:  "duplicate",
			slots: []domain.Slot{{Name: "a", Type: domain.SlotText}, {Name: "a", Type: domain.SlotText}},
			want:  domain.ErrConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(domain.Intent{Name: "x", Slots: tt.slots})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, errors.Is(err, domain.ErrConfiguration))
		})
	}
}
