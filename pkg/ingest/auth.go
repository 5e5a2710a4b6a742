package ingest

// Auth is the credential material injected into every API request. It is
// computed once before the request loop.
type Auth struct {
	Headers map[string]string
	Params  map[string]string
}

// BuildAuth places apiKey in a header, a query parameter or both. When
// neither name is given the key is sent as "Authorization: Bearer <key>",
// or "Authorization: <prefix><key>" when a prefix is set. An empty key
// yields no credentials.
func BuildAuth(apiKey, header, param, prefix string) Auth {
	auth := Auth{Headers: map[string]string{}, Params: map[string]string{}}
	if apiKey == "" {
		return auth
	}

	if header != "" {
		auth.Headers[header] = prefix + apiKey
	}
	if param != "" {
		auth.Params[param] = prefix + apiKey
	}
	if header == "" && param == "" {
		if prefix != "" {
			auth.Headers["Authorization"] = prefix + apiKey
		} else {
			auth.Headers["Authorization"] = "Bearer " + apiKey
		}
	}
	return auth
}
