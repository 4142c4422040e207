// Package lib provides a Go SDK to run SSH and SFTP operations as tracked
// concurrent tasks.
//
// Every operation is dispatched on a worker pool and registered on a task
// registry with a unique, never reused, task ID. The registry can be queried
// at any time while the operations run, and the task records are mirrored on
// an optional SQLite history.
//
// # Quick Start
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Run(ctx, lib.Job{
//	    Connections: []lib.Connection{
//	        {Name: "box", Protocol: "sftp", Host: "10.0.0.2", User: "root", PasswordEnv: "BOX_PASSWORD"},
//	    },
//	    Operations: []lib.Operation{
//	        {Connection: "box", Upload: &lib.Transfer{Local: "./a.tar", Remote: "/tmp/a.tar"}},
//	    },
//	})
//
// # Tasks
//
// Task records can be queried by ID:
//
//	info, err := client.Task(res.Results[0].Task.ID)
//	done, err := client.IsCompleted(info.ID)
//	msg, err := client.ErrorMessage(info.ID)
//
// Unknown IDs return an error that matches [ErrNotFound].
//
// # History
//
// Tasks are stored on a SQLite database and can be listed with [Client.History],
// including the ones of previous runs. With [Config].NoHistory the history is
// kept in memory and only has the tasks of the client.
package lib
