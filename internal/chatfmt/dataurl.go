package chatfmt

import (
	"encoding/base64"
	"regexp"

	"orchard/pkg/orcherr"
)

var dataURLPattern = regexp.MustCompile(`^data:[\w\-/+.]+;base64,[A-Za-z0-9+/=]+$`)

// DecodeDataURL accepts only data:<mime>;base64,<payload> URLs (§4.4,
// §8 scenario 4) and returns the decoded bytes.
func DecodeDataURL(url string) ([]byte, error) {
	if !dataURLPattern.MatchString(url) {
		return nil, &orcherr.MultimodalError{Code: orcherr.CodeInvalidDataURL, Detail: "not a data: URL"}
	}
	idx := indexOfComma(url)
	payload := url[idx+1:]
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &orcherr.MultimodalError{Code: orcherr.CodeInvalidBase64, Detail: err.Error()}
	}
	return decoded, nil
}

func indexOfComma(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}
