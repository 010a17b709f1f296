package enums

// UpdateSource names the writer behind a snapshot mutation.
type UpdateSource string

const (
	UpdateSourceFetch        UpdateSource = "fetch"
	UpdateSourcePoll         UpdateSource = "poll"
	UpdateSourcePush         UpdateSource = "push"
	UpdateSourceOptimistic   UpdateSource = "optimistic"
	UpdateSourceVerification UpdateSource = "verification"
	UpdateSourceCancellation UpdateSource = "cancellation"
)

// String implements fmt.Stringer.
func (u UpdateSource) String() string {
	return string(u)
}
