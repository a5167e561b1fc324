package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads every Transport header value, each of which may carry several
// comma separated specs. Unknown parameters are skipped.
func Parse(values []string) (Header, error) {
	var h Header
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			s, err := parseOption(entry)
			if err != nil {
				return nil, err
			}
			h = append(h, s)
		}
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: empty transport header", ErrUnsupportedTransport)
	}
	return h, nil
}

func parseOption(in string) (Option, error) {
	parts := strings.Split(in, ";")
	var s Option
	switch strings.ToUpper(parts[0]) {
	case "RTP/AVP", "RTP/AVP/UDP":
		s.Protocol = ProtocolUDP
	case "RTP/AVP/TCP":
		s.Protocol = ProtocolTCP
	default:
		return Option{}, fmt.Errorf("%w: %s", ErrUnsupportedTransport, parts[0])
	}

	for _, part := range parts[1:] {
		key, value, hasValue := strings.Cut(strings.TrimSpace(part), "=")
		var err error
		switch key {
		case "unicast":
			s.Unicast = true
		case "multicast":
			s.Unicast = false
		case "destination":
			s.Destination = value
		case "source":
			s.Source = value
		case "port":
			s.Port, err = parseRange(key, value, hasValue)
		case "client_port":
			s.ClientPort, err = parseRange(key, value, hasValue)
		case "server_port":
			s.ServerPort, err = parseRange(key, value, hasValue)
		case "interleaved":
			s.Interleaved, err = parseRange(key, value, hasValue)
		case "ttl":
			if !hasValue {
				return Option{}, fmt.Errorf("malformed parameter ttl, expected a hop count")
			}
			s.TTL, err = strconv.Atoi(value)
			if err != nil {
				err = fmt.Errorf("failed to parse ttl value %q: %w", value, err)
			}
		case "ssrc":
			s.SSRC = value
		case "mode":
			s.Mode = strings.Trim(value, `"`)
		}
		if err != nil {
			return Option{}, err
		}
	}
	return s, nil
}

func parseRange(key, value string, hasValue bool) (PortRange, error) {
	if !hasValue || value == "" {
		return PortRange{}, fmt.Errorf("malformed parameter %s, expected at least one port", key)
	}
	var r PortRange
	for i, p := range strings.SplitN(value, "-", 2) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return PortRange{}, fmt.Errorf("failed to parse %s, received %s: %w", key, p, err)
		}
		if n < 0 || n > 65535 {
			return PortRange{}, fmt.Errorf("%s %d out of range", key, n)
		}
		r[i] = n
	}
	return r, nil
}
