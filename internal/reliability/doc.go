// Package reliability wraps provider calls in a fallback chain and a
// bounded retry policy.
//
// One logical call is retry(policy) around Chain(p1..pn). Every attempt runs
// the whole chain from the first provider; an attempt never resumes
// mid-chain. Within an attempt a provider is rejected when it errors, when
// it exceeds its own timeout, or when its response is shorter than the
// link's minimum length.
package reliability
