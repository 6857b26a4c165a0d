package offline

import "net/http"

type transport struct{ s *Service }

// Transport exposes OnIntercept as an http.RoundTripper, for Go clients
// that want the same offline behavior as the PWA. The Service's own Fetcher
// must not route through it.
func (s *Service) Transport() http.RoundTripper { return transport{s: s} }

func (t transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.s.OnIntercept(req.Clone(req.Context()))
}
