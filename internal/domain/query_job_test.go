package domain

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncQueryID_RoundTrip(t *testing.T) {
	t.Parallel()
	assert.NotEqual(t, NewAsyncQueryID("glue"), NewAsyncQueryID("glue"))

	for _, ds := range []string{"glue", "my:ds", "a:b:c", "s3-logs_2024"} {
		got, err := DataSourceFromQueryID(NewAsyncQueryID(ds))
		require.NoError(t, err, ds)
		assert.Equal(t, ds, got)
	}
}

func TestDataSourceFromQueryID_Malformed(t *testing.T) {
	t.Parallel()
	for _, id := range []string{
		"not base64!",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte(":missing-datasource")),
	} {
		_, err := DataSourceFromQueryID(id)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, id)
	}
}
