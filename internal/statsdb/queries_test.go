package statsdb

import "testing"

func TestPercentile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rank  int
		total int
		want  float64
	}{
		{name: "top_of_ten", rank: 1, total: 10, want: 90},
		{name: "middle", rank: 5, total: 10, want: 50},
		{name: "last_place", rank: 10, total: 10, want: 0},
		{name: "single_subject", rank: 1, total: 1, want: 0},
		{name: "thirds_round", rank: 1, total: 3, want: 66.67},
		{name: "zero_total", rank: 1, total: 0, want: 0},
		{name: "rank_out_of_range", rank: 11, total: 10, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Percentile(tt.rank, tt.total); got != tt.want {
				t.Fatalf("Percentile(%d, %d) = %v, want %v", tt.rank, tt.total, got, tt.want)
			}
		})
	}
}
