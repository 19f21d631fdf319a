package http

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"

	"github.com/dirsrv/replication/kit/platform/errors"
	kithttp "github.com/dirsrv/replication/kit/transport/http"
)

// CheckError returns nil for a 2xx response. Otherwise it decodes the
// coded error written by the replication handlers, falling back to the
// code of the status and the first line of the body.
func CheckError(resp *http.Response) error {
	switch resp.StatusCode / 100 {
	case 2:
		return nil
	case 4, 5:
	default:
		return &errors.Error{
			Code: errors.EInternal,
			Msg:  fmt.Sprintf("unexpected status code: %s", resp.Status),
		}
	}

	perr := &errors.Error{Code: kithttp.StatusCodeToErrorCode(resp.StatusCode)}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		perr.Msg = "failed to read error response"
		perr.Err = err
		return perr
	}

	mediatype, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediatype != "" && mediatype != "application/json" {
		perr.Err = firstLine(body)
		return perr
	}
	if err := json.Unmarshal(body, perr); err != nil {
		perr.Msg = fmt.Sprintf("undecodable error response: %v", err)
		perr.Err = firstLine(body)
	}
	if perr.Code == "" {
		perr.Code = kithttp.StatusCodeToErrorCode(resp.StatusCode)
	}
	return perr
}

const maxErrorBody = 64 << 10

func firstLine(body []byte) error {
	line, _, _ := bytes.Cut(body, []byte("\n"))
	return stderrors.New(string(bytes.TrimSpace(line)))
}

// transportError codes a failed round trip so that agreements back off
// on it.
func transportError(op, addr string, err error) error {
	code := errors.EUnavailable
	var ne net.Error
	switch {
	case stderrors.Is(err, context.Canceled):
		code = errors.ECancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		code = errors.ETimeout
	case stderrors.As(err, &ne) && ne.Timeout():
		code = errors.ETimeout
	}
	var ue *url.Error
	if stderrors.As(err, &ue) {
		err = ue.Err
	}
	return &errors.Error{
		Code: code,
		Op:   op,
		Msg:  "consumer " + addr + " unreachable",
		Err:  err,
	}
}
