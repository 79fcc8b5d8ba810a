// Package config loads runlok configuration from YAML with environment
// variable overrides.
//
// Loading decodes the document over Default, fills remaining zero values
// with ApplyDefaults, applies RUNLOK_SECTION_FIELD overrides, and then
// validates. Validation collects every FieldError rather than stopping at
// the first:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("runlok.yaml")
//	if err != nil {
//	    var verr config.ValidationError
//	    if errors.As(err, &verr) {
//	        for _, fe := range verr.Errors {
//	            fmt.Println(fe.Field, fe.Message)
//	        }
//	    }
//	}
//
// Configuration is passed explicitly to the components that need it;
// there is no process-wide instance.
package config
