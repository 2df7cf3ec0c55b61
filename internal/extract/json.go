package extract

import (
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

type jsonPaths struct {
	spec Spec
}

func (j *jsonPaths) Extract(body []byte) (map[string]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, eris.New("extract: invalid json body")
	}
	if j.spec.Exists != "" && !gjson.GetBytes(body, j.spec.Exists).Exists() {
		return nil, eris.Wrapf(ErrNotFound, "path %q", j.spec.Exists)
	}

	out := make(map[string]string, len(j.spec.Paths))
	for col, path := range j.spec.Paths {
		r := gjson.GetBytes(body, path)
		if !r.Exists() || r.Type == gjson.Null {
			out[col] = ""
			continue
		}
		out[col] = r.String()
	}

	if err := checkRequired(out, j.spec.Required); err != nil {
		return out, err
	}
	return out, nil
}
