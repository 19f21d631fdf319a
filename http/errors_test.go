package http_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/dirsrv/replication/http"
	"github.com/dirsrv/replication/kit/platform/errors"
	kithttp "github.com/dirsrv/replication/kit/transport/http"
	"github.com/stretchr/testify/require"
)

func TestCheckError(t *testing.T) {
	for _, tt := range []struct {
		name     string
		write    func(w *httptest.ResponseRecorder)
		wantCode string
		wantMsg  string
	}{
		{
			name: "coded error",
			write: func(w *httptest.ResponseRecorder) {
				kithttp.ErrorHandler(0).HandleHTTPError(context.Background(), &errors.Error{
					Code: errors.ENeedsInit,
					Msg:  "consumer needs a total update",
				}, w)
			},
			wantCode: errors.ENeedsInit,
			wantMsg:  "consumer needs a total update",
		},
		{
			name: "text error",
			write: func(w *httptest.ResponseRecorder) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(503)
				fmt.Fprintln(w, "upstream gone")
				fmt.Fprintln(w, "second line")
			},
			wantCode: errors.EUnavailable,
		},
		{
			name: "unparsable json",
			write: func(w *httptest.ResponseRecorder) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(404)
				fmt.Fprint(w, "{")
			},
			wantCode: errors.ENotFound,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			err := http.CheckError(w.Result())
			require.Error(t, err)
			require.Equal(t, tt.wantCode, errors.ErrorCode(err))
			if tt.wantMsg != "" {
				require.Equal(t, tt.wantMsg, err.(*errors.Error).Msg)
			}
		})
	}
}

func TestCheckError_TextBodyFirstLine(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(500)
	fmt.Fprintln(w, "first")
	fmt.Fprintln(w, "second")

	err := http.CheckError(w.Result())
	var coded *errors.Error
	require.True(t, stderrors.As(err, &coded))
	require.EqualError(t, coded.Err, "first")
}

func TestCheckError_Success(t *testing.T) {
	w := httptest.NewRecorder()
	w.WriteHeader(204)
	require.NoError(t, http.CheckError(w.Result()))
}
