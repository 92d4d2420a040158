package model

// Counter tracks rows created and updated for one entity kind
type Counter struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

func (c *Counter) Add(other Counter) {
	c.Created += other.Created
	c.Updated += other.Updated
}

// ResolutionReport summarizes one resolution run
type ResolutionReport struct {
	Hosts           Counter       `json:"hosts"`
	Services        Counter       `json:"services"`
	Vulnerabilities Counter       `json:"vulnerabilities"`
	Evidence        Counter       `json:"evidence"`
	Registry        Counter       `json:"registry"`
	Conflicts       int           `json:"conflicts"`
	Resolved        int           `json:"resolved"`
	Failures        []RecordError `json:"failures"`
}

// Merge adds counts of other into r
func (r *ResolutionReport) Merge(other ResolutionReport) {
	r.Hosts.Add(other.Hosts)
	r.Services.Add(other.Services)
	r.Vulnerabilities.Add(other.Vulnerabilities)
	r.Evidence.Add(other.Evidence)
	r.Registry.Add(other.Registry)
	r.Conflicts += other.Conflicts
	r.Resolved += other.Resolved
	r.Failures = append(r.Failures, other.Failures...)
}
