package rtsp

import "strings"

type Method string

const (
	MethodOptions      Method = "OPTIONS"
	MethodDescribe     Method = "DESCRIBE"
	MethodSetup        Method = "SETUP"
	MethodPlay         Method = "PLAY"
	MethodGetParameter Method = "GET_PARAMETER"
	MethodTeardown     Method = "TEARDOWN"
)

// supportedMethods is advertised in Public and Allow headers.
var supportedMethods = []Method{
	MethodOptions,
	MethodDescribe,
	MethodSetup,
	MethodPlay,
	MethodGetParameter,
	MethodTeardown,
}

func (m Method) String() string {
	return string(m)
}

func publicMethods() string {
	names := make([]string, len(supportedMethods))
	for i, m := range supportedMethods {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}
