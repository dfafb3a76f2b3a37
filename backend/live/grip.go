package live

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Header values used to hand a connection off to the GRIP proxy. The
// keep-alive frame is an escaped literal, the proxy sends it verbatim every
// timeout interval.
const (
	GripHoldStream       = "stream"
	GripKeepAliveHeader  = "event: keep-alive\\ndata:\\n\\n; format=cstring; timeout=30"
	ContentTypeSSE       = "text/event-stream"
	StreamOpenEventName  = "stream-open"
	StreamErrorEventName = "stream-error"
)

func UserChannel(userId int) string {
	return fmt.Sprintf("user-%d", userId)
}

// SSEEvent renders a single server-sent-events frame. A frame without a
// payload is rendered as a comment naming the event, so clients never get an
// empty message dispatched for it.
func SSEEvent(event, data string) string {
	var frame strings.Builder
	if data == "" {
		frame.WriteString(": ")
		frame.WriteString(event)
		frame.WriteString("\n\n")
		return frame.String()
	}
	if event != "" {
		frame.WriteString("event: ")
		frame.WriteString(event)
		frame.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		frame.WriteString("data: ")
		frame.WriteString(line)
		frame.WriteString("\n")
	}
	frame.WriteString("\n")
	return frame.String()
}

// VerifyGripSig checks the Grip-Sig header attached by the proxy to requests
// it forwards. Requests without a valid signature did not come through the
// proxy. An empty key disables the check, used when no proxy is deployed.
func VerifyGripSig(r *http.Request, key []byte) error {
	if len(key) == 0 {
		return nil
	}

	sig := r.Header.Get("Grip-Sig")
	if sig == "" {
		return fmt.Errorf("missing Grip-Sig header")
	}

	_, err := jwt.Parse(sig, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("invalid Grip-Sig header: %w", err)
	}

	return nil
}
