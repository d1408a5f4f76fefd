package txn

import "time"

type Priority byte

const (
	PriorityBackground Priority = 'B'
	PriorityForeground Priority = 'F'
)

func (p Priority) String() string {
	switch p {
	case PriorityForeground:
		return "foreground"
	default:
		return "background"
	}
}

// Profile bounds a single transactional unit of work. Background work gets a
// longer timeout and more retries than interactive traffic so long scans never
// starve user-facing operations of retry budget.
type Profile struct {
	Priority      Priority
	Timeout       time.Duration
	RetryLimit    int
	MaxRetryDelay time.Duration
}

func (p *Profile) SetDefaults() {
	if p.Priority == 0 {
		p.Priority = PriorityBackground
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	if p.RetryLimit == 0 {
		p.RetryLimit = 8
	}
	if p.MaxRetryDelay == 0 {
		p.MaxRetryDelay = 2 * time.Second
	}
}

func Background() Profile {
	p := Profile{Priority: PriorityBackground}
	p.SetDefaults()
	return p
}

func Foreground() Profile {
	return Profile{
		Priority:      PriorityForeground,
		Timeout:       2 * time.Second,
		RetryLimit:    3,
		MaxRetryDelay: 200 * time.Millisecond,
	}
}
