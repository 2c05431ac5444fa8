// Package service implements the orchestration of test runs.
//
// Overview
// The Service owns a worker pool of test runs, the exclusivity guard, the
// staging area of transient test objects and the durable store. Clients
// submit a run, poll its progress with a cursor and cancel it. The Service
// event loop (Do) persists final results and exports them to the report
// uploaders.
//
// Data flow:
//
//	SubmitJob          Guard            Pool{workers}         Do
//	    |                |                   |                 |
//	    | Admit -------->| scan + AddRun     |                 |
//	    |                |---- Submit ------>| Execute         |
//	    |                |                   |---- Event ----->| FinishRun
//	    |                |                   |                 | Upload
//	GetProgress <------------- Read ---------|                 |
//
// Invariants:
//   - An active run (not COMPLETED, FAILED or CANCELED) holds its test object,
//     no other run of the same object is admitted.
//   - Only the worker executing a run changes its state.
//   - The first poll which observes a FAILED or CANCELED run releases it from
//     the pool, later polls see the durable record only.
//   - Transient test objects are never served as durable ones.
//
// internal/service/service_test.go shows the typical use of the Service.
package service
