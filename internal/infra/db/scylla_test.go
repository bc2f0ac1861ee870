package db

import (
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/require"
)

func TestParseConsistency(t *testing.T) {
	cases := map[string]gocql.Consistency{
		"one":          gocql.One,
		"LOCAL_QUORUM": gocql.LocalQuorum,
		"local_one":    gocql.LocalOne,
		"each_quorum":  gocql.EachQuorum,
		"quorum":       gocql.Quorum,
		"":             gocql.Quorum,
	}
	for in, want := range cases {
		require.Equal(t, want, parseConsistency(in), in)
	}
}
