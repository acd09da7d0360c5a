package supervisor

// Package supervisor runs jobs through the fetch, transform and delivery
// stages. It owns the identity table, enforces one in-flight job per
// identity, caps the number of concurrently running jobs and is the single
// place where a job's workspace is removed and its terminal status written.
