/*
Package batch runs jobs on pools of long-lived worker tasks, started either through srun on a slurm
cluster or as local processes. The handler and its workers share nothing but a directory, so the
protocol between them is a set of files, each read and written under its sidecar lock (<file>.lock,
shared for readers and exclusive for writers).

Layout of the handler directory:

	tmp_batch_job_handler_<id>/
	    batch_<n>_<id>/
	        running.txt              created by the handler when the batch starts; removing it stops the workers
	        slurm_started.txt        written by every worker task on startup; the batch is running once it exists
	        execute_batch_srun.sh    the worker task command
	        worker_<i>_claimed.txt   created (if absent) by the task that takes slot i
	        worker_<i>_job.json      the runnable job, written by the handler
	        worker_<i>_result.json   the job result, written by the worker task
	        worker_<i>_result.json.error   written instead of a result when the worker loop itself fails

Lifecycle of a batch: pending, waiting (tasks submitted, none started yet), running, finished.
The handler only assigns jobs to running batches with a vacant slot, and only when the job's timeout
fits in the remaining time limit of the batch. A new batch is started only when no batch has room, no
batch is still starting and the maximum number of simultaneous batches is not exceeded.

Worker task loop (`hither batch-worker`):
 1. Write slurm_started.txt and claim the first free slot.
 2. Exit when running.txt is gone.
 3. If worker_<i>_job.json exists and worker_<i>_result.json does not, execute the job and write the result.
 4. Sleep 200ms and repeat. An error escaping the loop is written to worker_<i>_result.json.error.

After reading a result, the handler renames both worker_<i>_job.json and worker_<i>_result.json to
*.complete, which frees the slot. A batch that has had jobs and has been idle for the grace period
halts itself: running.txt is removed, the tasks are given time to exit and are then sent SIGTERM.
*/
package batch
