package server_v1

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/snappy"
)

const encodingSnappy = "snappy"

type CompressHandler struct {
}

// UncompressRequest decodes a request body sent with the given
// Content-Encoding.
func (h CompressHandler) UncompressRequest(in []byte, contentEncoding string) ([]byte, *Status) {
	switch strings.TrimSpace(contentEncoding) {
	case "", "identity":
		return in, nil
	case encodingSnappy:
		out, err := snappy.Decode(nil, in)
		if err != nil {
			return nil, &Status{
				StatusCode: http.StatusBadRequest,
				Code:       ErrorCodeInvalidArgument,
				Message:    "Compressed content could not be decompressed.",
			}
		}
		return out, nil
	}

	return nil, &Status{
		StatusCode: http.StatusUnsupportedMediaType,
		Code:       ErrorCodeInvalidArgument,
		Message:    fmt.Sprintf("Unsupported Content-Encoding %q.", contentEncoding),
	}
}

// MaybeCompressContent compresses a response body with snappy when the
// client prefers it over identity.  It returns the encoding used.
func (h CompressHandler) MaybeCompressContent(in []byte, acceptedEncoding string) (string, []byte, *Status) {
	isIdentityExplicit := false
	isSnappyExplicit := false
	identityQ := 0.001
	snappyQ := 0.0

	if acceptedEncoding != "" {
		encodings := strings.Split(acceptedEncoding, ",")

		for encodingIdx, encoding := range encodings {
			encodingParts := strings.Split(encoding, ";")
			if len(encodingParts) >= 3 {
				return "", nil, &Status{
					StatusCode: http.StatusBadRequest,
					Code:       ErrorCodeInvalidArgument,
					Message: fmt.Sprintf("Invalid Accept-Encoding format at index %d",
						encodingIdx),
				}
			}

			encodingName := strings.TrimSpace(encodingParts[0])
			encodingQ := 1.0

			if len(encodingParts) >= 2 {
				qValue := strings.TrimSpace(encodingParts[1])
				if !strings.HasPrefix(qValue, "q=") {
					return "", nil, &Status{
						StatusCode: http.StatusBadRequest,
						Code:       ErrorCodeInvalidArgument,
						Message: fmt.Sprintf("Invalid Accept-Encoding format at index %d, expected q=",
							encodingIdx),
					}
				}

				parsedQ, err := strconv.ParseFloat(qValue[2:], 64)
				if err != nil {
					return "", nil, &Status{
						StatusCode: http.StatusBadRequest,
						Code:       ErrorCodeInvalidArgument,
						Message: fmt.Sprintf("Invalid Accept-Encoding format at index %d, expected floating-point q",
							encodingIdx),
					}
				}

				encodingQ = parsedQ
			}

			switch encodingName {
			case "identity":
				identityQ = encodingQ
				isIdentityExplicit = true
			case encodingSnappy:
				snappyQ = encodingQ
				isSnappyExplicit = true
			case "*":
				if !isIdentityExplicit {
					identityQ = encodingQ
				}
				if !isSnappyExplicit {
					snappyQ = encodingQ
				}
			default:
				// unknown encodings such as gzip are ignored
				continue
			}
		}
	}

	if snappyQ > identityQ {
		return encodingSnappy, snappy.Encode(nil, in), nil
	}

	return "", in, nil
}
