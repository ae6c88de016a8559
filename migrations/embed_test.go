package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListReturnsSortedMigrations(t *testing.T) {
	files, err := List()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1], files[i], "migration list must be sorted")
	}

	// The schema foundation must always be present.
	assert.Contains(t, files, "001_create_exchanges.up.sql")
	assert.Contains(t, files, "004_create_ingestion_runs.up.sql")
}

func TestValidateEmbeddedSet(t *testing.T) {
	assert.NoError(t, Validate())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantErr  bool
		want     Info
	}{
		{
			name:     "valid up migration",
			filename: "004_create_ingestion_runs.up.sql",
			want: Info{
				Sequence:  4,
				Name:      "create_ingestion_runs",
				Direction: "up",
				Filename:  "004_create_ingestion_runs.up.sql",
			},
		},
		{
			name:     "valid down migration",
			filename: "001_create_exchanges.down.sql",
			want: Info{
				Sequence:  1,
				Name:      "create_exchanges",
				Direction: "down",
				Filename:  "001_create_exchanges.down.sql",
			},
		},
		{
			name:     "missing direction",
			filename: "001_create_exchanges.sql",
			wantErr:  true,
		},
		{
			name:     "two digit sequence",
			filename: "01_create_exchanges.up.sql",
			wantErr:  true,
		},
		{
			name:     "not a sql file",
			filename: "001_create_exchanges.up.txt",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse(tt.filename)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, *info)
		})
	}
}

func TestEveryUpMigrationHasContent(t *testing.T) {
	files, err := List()
	require.NoError(t, err)

	for _, file := range files {
		content, err := fs.ReadFile(FS, file)
		require.NoError(t, err, "read %s", file)

		if strings.HasSuffix(file, ".up.sql") {
			assert.Contains(t, string(content), "CREATE", "%s should create schema objects", file)
		}
	}
}
