package opensearch

// upsertScript runs when the document already exists. The owning file may
// rewrite core fields; annotations are never touched. Any other file is
// recorded as a contributor once.
const upsertScript = `
long fid = ((Number)params.file_id).longValue();
if (ctx._source.file_id != null && ((Number)ctx._source.file_id).longValue() == fid) {
  for (entry in params.core.entrySet()) {
    ctx._source[entry.getKey()] = entry.getValue();
  }
  if (ctx._source.file_ids == null) {
    ctx._source.file_ids = [fid];
  }
} else {
  if (ctx._source.file_ids == null) {
    ctx._source.file_ids = new ArrayList();
  }
  boolean seen = false;
  for (def f : ctx._source.file_ids) {
    if (((Number)f).longValue() == fid) { seen = true; }
  }
  if (seen) {
    ctx.op = 'noop';
  } else {
    ctx._source.file_ids.add(fid);
  }
}`

const annotateScript = `
boolean changed = false;
if (ctx._source[params.list] == null) {
  ctx._source[params.list] = new ArrayList();
}
for (def v : params.values) {
  if (!ctx._source[params.list].contains(v)) {
    ctx._source[params.list].add(v);
    changed = true;
  }
}
if (ctx._source[params.flag] != true) {
  ctx._source[params.flag] = true;
  changed = true;
}
if (!changed) { ctx.op = 'noop'; }`

const clearScript = `
ctx._source[params.flag] = false;
ctx._source[params.list] = new ArrayList();`

// releaseScript detaches a file. Orphaned documents are deleted; a document
// the file owned passes to the earliest remaining contributor with its
// annotations, whose result rows the caller has already moved there.
const releaseScript = `
long fid = ((Number)params.file_id).longValue();
List kept = new ArrayList();
for (def f : ctx._source.file_ids) {
  if (((Number)f).longValue() != fid) { kept.add(f); }
}
if (kept.isEmpty()) {
  ctx.op = 'delete';
} else {
  ctx._source.file_ids = kept;
  if (((Number)ctx._source.file_id).longValue() == fid) {
    ctx._source.file_id = kept.get(0);
  }
}`
